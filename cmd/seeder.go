package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/marketplace-payment/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	gatewayPostgres "github.com/frahmantamala/marketplace-payment/internal/gateway/postgres"
)

var clearData bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the gateway catalog from config",
	Long:  `Write the configured payment gateways (fees, currencies, modes, settlement delay) to the payment_gateways table. Existing rows are updated in place.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer db.Close()

		gdb, err := initGorm(db)
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		if clearData {
			if err := gdb.WithContext(ctx).Where("1 = 1").Delete(&paymentgateway.PaymentGateway{}).Error; err != nil {
				log.Fatalf("failed to clear payment gateways: %v", err)
			}
			fmt.Println("Cleared payment gateway catalog")
		}

		descriptors := gateway.DescriptorsFromConfig(cfg.Payment.Gateways)
		if err := gateway.SeedCatalog(ctx, gatewayPostgres.NewCatalogRepository(gdb), descriptors); err != nil {
			log.Fatalf("failed to seed payment gateways: %v", err)
		}
		for _, d := range descriptors {
			fmt.Printf("Seeded payment gateway: %s (enabled=%t, fee=%s%% + %s, currencies=%v)\n",
				d.ID, d.Enabled, d.FeePercentage, d.FixedFee, d.SupportedCurrencies)
		}
	},
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing catalog rows before seeding")
}
