package main

import (
	"context"
	"os"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/lac-hong-legacy/ven_quota/services"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}
	configureLogging()

	root := &cobra.Command{
		Use:           "ven_quota",
		Short:         "Quota enforcement and subscription webhook service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, reconciler and metrics server",
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Run one reconciler pass and exit",
			RunE:  reconcile,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, args []string) {
				cmd.Println(version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func configureLogging() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	if lvl, err := logrus.ParseLevel(level); err == nil {
		logrus.SetLevel(lvl)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

// Start order matters: each service resolves the ones registered before it,
// and HttpService blocks, so it goes last.
func serve(cmd *cobra.Command, args []string) error {
	ctx, err := appContext.NewCtx(
		&services.MonitoringService{},
		&services.PostgresService{},
		&services.RedisService{},
		&services.SnapshotArchiveService{},
		&services.JWTService{},

		&services.QuotaCounterService{},
		&services.QuotaCycleService{},
		&services.QuotaConfigService{},
		&services.QuotaNotifierService{},
		&services.QuotaService{},
		&services.WebhookService{},

		&services.HttpService{},
	)
	if err != nil {
		return err
	}

	log.Info().Str("version", version).Msg("Starting ven_quota")
	return ctx.Run()
}

func reconcile(cmd *cobra.Command, args []string) error {
	postgres := services.NewPostgresService()
	if err := postgres.Connect(); err != nil {
		return err
	}
	defer postgres.Shutdown()

	redis := services.NewRedisService()
	defer redis.Shutdown()

	counter := services.NewQuotaCounterService(redis.GetClient(), os.Getenv("QUOTA_KEY_PREFIX"))
	cycles := services.NewQuotaCycleService(counter, postgres.Db(), nil)

	report, runErr := cycles.RunOnce(context.Background())

	out, err := shared.JSONMarshal(report)
	if err != nil {
		return err
	}
	cmd.Println(string(out))

	if runErr != nil {
		return runErr
	}
	log.Info().Int("processed", report.Processed).Int("reset", report.Reset).Int("errors", report.Errors).Msg("Reconcile finished")
	return nil
}
