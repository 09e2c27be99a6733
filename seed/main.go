package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lac-hong-legacy/ven_quota/seed/seeders"
	"github.com/lac-hong-legacy/ven_quota/services"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	var (
		fixturePath string
		adminID     string
		tokenTTL    time.Duration
	)

	root := &cobra.Command{
		Use:          "seed",
		Short:        "Load quota fixtures and issue admin tokens",
		SilenceUsage: true,
	}

	fixtures := &cobra.Command{
		Use:   "fixtures",
		Short: "Upsert plans, tenants, user bindings and overrides from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fixture, err := seeders.LoadFixture(fixturePath)
			if err != nil {
				return err
			}

			db := services.NewPostgresService()
			if err := db.Connect(); err != nil {
				return err
			}
			defer db.Shutdown()

			return seeders.NewMainSeeder(db.Db()).SeedAll(context.Background(), fixture)
		},
	}
	fixtures.Flags().StringVarP(&fixturePath, "file", "f", "seed/fixtures.yaml", "Fixture file")

	token := &cobra.Command{
		Use:   "token",
		Short: "Print an admin bearer token signed with JWT_ADMIN_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			seeder, err := seeders.NewAdminSeeder(os.Getenv("JWT_ADMIN_SECRET"), tokenTTL)
			if err != nil {
				return err
			}
			tokenString, err := seeder.IssueToken(adminID)
			if err != nil {
				return err
			}
			cmd.Println(tokenString)
			return nil
		},
	}
	token.Flags().StringVar(&adminID, "admin-id", "ops", "Admin id recorded in audit entries")
	token.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	root.AddCommand(fixtures, token)
	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("Seeding failed")
	}
}
