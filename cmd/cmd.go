package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "marketplace-payment",
	Short: "Marketplace Payment",
	Long:  `Checkout, escrow and payout lifecycle for marketplace transactions.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*internal.Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg *internal.Config
	if os.Getenv("APP_ENV") == "production" || os.Getenv("DOCKER_ENV") == "true" {
		envCfg, err := internal.LoadConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("error validating config from environment: %w", err)
		}
		cfg = envCfg
	} else {
		v := viper.New()
		v.AddConfigPath(path)
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.SetEnvPrefix("ENV")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}

		cfg = &internal.Config{}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("error unmarshaling config: %w", err)
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("error validating config: %w", err)
		}
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "directory holding config.yml")

	rootCmd.AddCommand(httpServerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(effectsCmd)
}
