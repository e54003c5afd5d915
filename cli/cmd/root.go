// Package cmd implements the pqls operator CLI.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	pqls "github.com/genexlance/postquantumlattice-sub000"
	"github.com/genexlance/postquantumlattice-sub000/audit"
	"github.com/genexlance/postquantumlattice-sub000/internal/localkms"
	"github.com/genexlance/postquantumlattice-sub000/persist"
)

var (
	cfgFile string
	shield  *pqls.Shield
	log     = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "pqls",
	Short: "Operator tooling for the post-quantum lattice shield",
	Long: `Manages a shield installation: key backups, scheme migrations with
checkpoint/rollback, integrity verification and status reporting.
Field values stay protected by the remote lattice encryption service;
this tool only drives the envelope and migration engine around it.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeShield,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shield != nil {
			return shield.Close()
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Accept underscore spellings for every flag.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pqls.yaml)")
	rootCmd.PersistentFlags().String("origin", "", "installation origin (site URL)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend (filesystem, pebble, s3, memory)")
	rootCmd.PersistentFlags().StringP("data-path", "p", "", "path for filesystem/pebble storage")
	rootCmd.PersistentFlags().String("service-url", "", "lattice service URL")
	rootCmd.PersistentFlags().String("api-key", "", "lattice service API key (or PQLS_SERVICE_API_KEY)")
	rootCmd.PersistentFlags().Bool("local-provider", false, "use the in-process provider instead of the remote service")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose log output")

	bindFlagOrPanic("shield.origin", "origin")
	bindFlagOrPanic("shield.store_type", "store-type")
	bindFlagOrPanic("shield.data_path", "data-path")
	bindFlagOrPanic("service.url", "service-url")
	bindFlagOrPanic("service.api_key", "api-key")
	bindFlagOrPanic("service.local", "local-provider")
	bindFlagOrPanic("log.verbose", "verbose")

	rootCmd.PersistentFlags().Bool("audit", true, "enable the audit trail")
	bindFlagOrPanic("audit.enabled", "audit")

	// S3 backend flags.
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("shield.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("shield.s3.region", "s3-region")
	bindFlagOrPanic("shield.s3.bucket_name", "s3-bucket")
	bindFlagOrPanic("shield.s3.prefix", "s3-prefix")
	bindFlagOrPanic("shield.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("shield.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("shield.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	// A .env next to the working directory feeds the environment before
	// viper reads it.
	_ = godotenv.Load()

	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pqls")
	}

	viper.SetEnvPrefix("PQLS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("shield.store_type", "filesystem")
	viper.SetDefault("shield.data_path", ".pqls")
	viper.SetDefault("shield.s3.region", "us-east-1")
	viper.SetDefault("shield.s3.prefix", "pqls/")
	viper.SetDefault("shield.s3.use_ssl", true)
	viper.SetDefault("audit.enabled", true)
}

func initializeShield(cmd *cobra.Command, args []string) error {
	switch cmd.Name() {
	case "help", "completion", "__complete":
		return nil
	}

	if viper.GetBool("log.verbose") {
		log.SetLevel(logrus.DebugLevel)
	}

	origin := viper.GetString("shield.origin")
	if origin == "" {
		return fmt.Errorf("installation origin is required (--origin or PQLS_SHIELD_ORIGIN)")
	}

	storeConfig, err := buildStoreConfig()
	if err != nil {
		return err
	}

	options := pqls.Options{
		Origin:      origin,
		StoreConfig: storeConfig,
		Audit:       &audit.Config{Enabled: viper.GetBool("audit.enabled"), Type: audit.StoreAuditType},
		Logger:      log,
	}

	if viper.GetBool("service.local") {
		options.Service = localkms.New()
	} else {
		options.ServiceURL = viper.GetString("service.url")
		options.ServiceAPIKey = viper.GetString("service.api_key")
		if options.ServiceURL == "" {
			return fmt.Errorf("service URL is required (--service-url, PQLS_SERVICE_URL, or --local-provider)")
		}
		if options.ServiceAPIKey == "" {
			return fmt.Errorf("service API key is required (--api-key or PQLS_SERVICE_API_KEY)")
		}
	}

	shield, err = pqls.New(options)
	if err != nil {
		return fmt.Errorf("failed to initialize shield: %w", err)
	}
	return nil
}

func buildStoreConfig() (persist.StoreConfig, error) {
	storeType := viper.GetString("shield.store_type")
	switch persist.StoreType(storeType) {
	case persist.StoreTypeFileSystem:
		return persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": viper.GetString("shield.data_path")},
		}, nil
	case persist.StoreTypePebble:
		return persist.StoreConfig{
			Type:   persist.StoreTypePebble,
			Config: map[string]interface{}{"path": viper.GetString("shield.data_path")},
		}, nil
	case persist.StoreTypeMemory:
		return persist.StoreConfig{Type: persist.StoreTypeMemory}, nil
	case persist.StoreTypeS3:
		return persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          viper.GetString("shield.s3.endpoint"),
				"region":            viper.GetString("shield.s3.region"),
				"bucket_name":       viper.GetString("shield.s3.bucket_name"),
				"prefix":            viper.GetString("shield.s3.prefix"),
				"access_key_id":     viper.GetString("shield.s3.access_key_id"),
				"secret_access_key": viper.GetString("shield.s3.secret_access_key"),
				"use_ssl":           viper.GetBool("shield.s3.use_ssl"),
			},
		}, nil
	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
