package main

import "southwinds.dev/teamvault/cli/cmd"

func main() {
	cmd.Execute()
}
