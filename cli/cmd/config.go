package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage vault configuration",
	Long:  `Manage vault configuration including viewing, setting, and validating settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the effective configuration from all sources (config file, environment variables, flags).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch configFormat {
		case "json":
			return printConfigJSON()
		case "yaml":
			return printConfigYAML()
		default:
			return fmt.Errorf("unsupported format: %s", configFormat)
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long:  `Get a configuration value. The key uses dot notation (e.g., vault.store_type).`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !viper.IsSet(key) {
			return fmt.Errorf("configuration key not found: %s", key)
		}
		value := viper.Get(key)
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Printf("%s = %v\n", key, value)
		if configFile := viper.ConfigFileUsed(); configFile != "" {
			fmt.Printf("Source: %s\n", configFile)
		} else {
			fmt.Println("Source: defaults/environment/flags")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., vault.store_type).`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !configForce && !isValidConfigKey(key) {
			return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
		}
		converted := convertConfigValue(value)
		if err := validateConfigValue(key, converted); err != nil {
			return err
		}

		viper.Set(key, converted)
		configFile := configFilePath()
		if err := os.MkdirAll(filepath.Dir(configFile), 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := viper.WriteConfigAs(configFile); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Printf("Set %s = %v\n", key, converted)
		fmt.Printf("Configuration saved to: %s\n", configFile)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long:  `Create a new configuration file with default values.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile := configFilePath()
		if _, err := os.Stat(configFile); err == nil && !configForce {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
		}

		data, err := yaml.Marshal(defaultConfigTemplate())
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if err = os.MkdirAll(filepath.Dir(configFile), 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err = os.WriteFile(configFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Printf("Configuration file created: %s\n", configFile)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for correctness and completeness.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		problems := validateConfiguration()
		if len(problems) == 0 {
			fmt.Println("Configuration is valid")
			return nil
		}
		fmt.Println("Configuration validation failed:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("configuration validation failed with %d errors", len(problems))
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	Long:  `List all available configuration keys with their descriptions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		descriptions := configKeyDescriptions()
		keys := make([]string, 0, len(descriptions))
		for key := range descriptions {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "KEY\tDESCRIPTION")
		for _, key := range keys {
			fmt.Fprintf(w, "%s\t%s\n", key, descriptions[key])
		}
		return nil
	},
}

var (
	configForce  bool
	configFormat string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configListCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json)")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "set value even if the key is not a known key")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
}

func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".teamvault.yaml")
}

func defaultConfigTemplate() map[string]interface{} {
	return map[string]interface{}{
		"vault": map[string]interface{}{
			"store_type": "filesystem",
			"path":       ".teamvault",
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path": "audit.log",
			},
		},
	}
}

func isValidConfigKey(key string) bool {
	_, ok := configKeyDescriptions()[key]
	return ok
}

func configKeyDescriptions() map[string]string {
	return map[string]string{
		"vault.path":                  "Path to local vault storage and CA signing key",
		"vault.store_type":            "Storage backend (memory, filesystem, badger, s3)",
		"vault.s3.endpoint":           "S3 endpoint host:port",
		"vault.s3.region":             "S3 region",
		"vault.s3.bucket":             "S3 bucket name",
		"vault.s3.key_prefix":         "Prefix for all S3 object keys",
		"vault.s3.access_key_id":      "S3 access key",
		"vault.s3.secret_access_key":  "S3 secret key",
		"vault.s3.use_ssl":            "Use TLS for S3 connections",
		"auth.email":                  "Email address used for login",
		"auth.password":               "Login password (prefer TEAMVAULT_PASSWORD env)",
		"audit.enabled":               "Enable audit logging",
		"audit.type":                  "Audit logger type (file, syslog)",
		"audit.log_level":             "Audit log level",
		"audit.options.file_path":     "Audit log file path",
		"audit.options.max_size":      "Audit log rotation size in MB",
		"audit.options.max_backups":   "Rotated audit files to keep",
	}
}

func convertConfigValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

func validateConfigValue(key string, value interface{}) error {
	switch key {
	case "vault.store_type":
		valid := []string{"memory", "filesystem", "badger", "s3"}
		if str, ok := value.(string); ok && !containsString(valid, str) {
			return fmt.Errorf("invalid store type: %s (valid: %s)", str, strings.Join(valid, ", "))
		}
	case "audit.type":
		valid := []string{"file", "syslog"}
		if str, ok := value.(string); ok && !containsString(valid, str) {
			return fmt.Errorf("invalid audit type: %s (valid: %s)", str, strings.Join(valid, ", "))
		}
	}
	return nil
}

func validateConfiguration() []string {
	var problems []string

	storeType := viper.GetString("vault.store_type")
	validStoreTypes := []string{"memory", "filesystem", "badger", "s3"}
	if !containsString(validStoreTypes, storeType) {
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}

	switch storeType {
	case "s3":
		if viper.GetString("vault.s3.endpoint") == "" {
			problems = append(problems, "S3 endpoint is required when using the s3 store")
		}
		if viper.GetString("vault.s3.bucket") == "" {
			problems = append(problems, "S3 bucket is required when using the s3 store")
		}
	case "filesystem", "badger":
		if viper.GetString("vault.path") == "" {
			problems = append(problems, "vault.path is required when using a local store")
		}
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if !containsString([]string{"file", "syslog"}, auditType) {
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be file or syslog)", auditType))
		}
	}

	return problems
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func isSensitiveConfigKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "passphrase", "token"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
			continue
		}
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		}
	}
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
