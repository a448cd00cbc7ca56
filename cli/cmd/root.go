package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/teamvault"
	"southwinds.dev/teamvault/audit"
	"southwinds.dev/teamvault/persist"
)

var (
	cfgFile string
	vault   *teamvault.Vault
	session *teamvault.Session
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "teamvault",
	Short: "A zero-knowledge team secret vault",
	Long: `A zero-knowledge vault for sharing secrets within a team.
Secrets are encrypted client-side with per-secret keys; sharing wraps those
keys for each recipient via ECDH key agreement, so the storage backend only
ever sees ciphertext, wrapped keys and public keys.`,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		session.Close()
		if vault != nil {
			return vault.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.teamvault.yaml)")
	rootCmd.PersistentFlags().StringP("vault-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend (memory, filesystem, badger, s3)")
	rootCmd.PersistentFlags().StringP("email", "e", "", "account email")
	rootCmd.PersistentFlags().String("password", "", "account password (or use TEAMVAULT_PASSWORD env var)")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("auth.email", "email")
	bindFlagOrPanic("auth.password", "password")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/teamvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".teamvault")
	}

	viper.SetEnvPrefix("TEAMVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Missing config file is fine, defaults and env vars apply.
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", ".teamvault")
	viper.SetDefault("vault.store_type", "filesystem")

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.key_prefix", "teamvault/")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

// commandsWithoutVault are runnable before a store or account exists.
func commandsWithoutVault(name string) bool {
	switch name {
	case "help", "completion", "__complete", "config", "version":
		return true
	}
	return false
}

// commandsWithoutSession need a vault but no login.
func commandsWithoutSession(name string) bool {
	switch name {
	case "register", "status", "verify", "public-key", "query":
		return true
	}
	return false
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if commandsWithoutVault(cmd.Name()) {
		return nil
	}

	vaultPath := viper.GetString("vault.path")
	if err := os.MkdirAll(vaultPath, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(vaultPath, "audit.log"))
	}

	store, err := buildStore(cmd.Context(), vaultPath)
	if err != nil {
		return err
	}

	var auditConfig *audit.Config
	if viper.GetBool("audit.enabled") {
		auditConfig = &audit.Config{
			Enabled:  true,
			Type:     audit.ConfigType(viper.GetString("audit.type")),
			Options:  viper.GetStringMap("audit.options"),
			LogLevel: viper.GetString("audit.log_level"),
		}
	}

	vault, err = teamvault.New(teamvault.Options{
		AuditConfig:    auditConfig,
		SigningKeyPath: filepath.Join(vaultPath, "ca.key"),
	}, store)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	vault.AuditLogger().Log("cli_invoke", true, map[string]interface{}{
		"command": cmd.CommandPath(),
		"flags":   sanitizeFlags(cmd),
	})

	if commandsWithoutSession(cmd.Name()) {
		return nil
	}
	return login(cmd.Context())
}

// sanitizeFlags collects the flags set on the invocation for audit logging,
// masking anything credential-shaped.
func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

func isSensitiveFlag(name string) bool {
	switch name {
	case "password", "s3-secret-key", "s3-access-key":
		return true
	}
	return strings.Contains(name, "secret") || strings.Contains(name, "token")
}

func buildStore(ctx context.Context, vaultPath string) (teamvault.Store, error) {
	storeType := persist.StoreType(viper.GetString("vault.store_type"))
	switch storeType {
	case persist.StoreTypeMemory:
		return persist.NewMemoryStore(), nil
	case persist.StoreTypeFileSystem:
		return persist.NewFileSystemStore(filepath.Join(vaultPath, "data"))
	case persist.StoreTypeBadger:
		return persist.NewBadgerStore(filepath.Join(vaultPath, "badger"))
	case persist.StoreTypeS3:
		return persist.NewS3Store(ctx, persist.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			KeyPrefix:       viper.GetString("vault.s3.key_prefix"),
			UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			Region:          viper.GetString("vault.s3.region"),
		})
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}

func login(ctx context.Context) error {
	email := viper.GetString("auth.email")
	password := viper.GetString("auth.password")
	if password == "" {
		password = os.Getenv("TEAMVAULT_PASSWORD")
	}
	if email == "" || password == "" {
		return fmt.Errorf("credentials required: use --email and --password, or the TEAMVAULT_PASSWORD environment variable")
	}

	var err error
	session, err = vault.Auth.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	return nil
}
