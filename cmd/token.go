package cmd

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/marketplace-payment/internal/auth"
)

var (
	tokenUserID      string
	tokenPermissions string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token",
	Long:  `Sign an access token for a user with the configured private key. Useful for local testing and operator access to admin endpoints.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		if tokenUserID == "" {
			log.Fatal("--user is required")
		}

		tokens, err := auth.NewTokenGeneratorFromConfig(cfg.Security)
		if err != nil {
			log.Fatalf("failed to build token generator: %v", err)
		}

		var permissions []string
		for _, p := range strings.Split(tokenPermissions, ",") {
			if p = strings.TrimSpace(p); p != "" {
				permissions = append(permissions, p)
			}
		}

		token, expiresAt, err := tokens.GenerateAccessToken(tokenUserID, permissions)
		if err != nil {
			log.Fatalf("failed to sign token: %v", err)
		}
		fmt.Println(token)
		fmt.Printf("# expires at %s\n", expiresAt.Format(time.RFC3339))
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUserID, "user", "u", "", "User id placed in the token subject")
	tokenCmd.Flags().StringVarP(&tokenPermissions, "permissions", "p", "", "Comma separated permissions, e.g. "+auth.PermissionAdmin)
}
