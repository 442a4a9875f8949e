package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/killfeedproject/killfeed/internal/common"
	commonconfig "github.com/killfeedproject/killfeed/internal/common/config"
	"github.com/killfeedproject/killfeed/internal/common/database"
	"github.com/killfeedproject/killfeed/internal/killfeed"
	"github.com/killfeedproject/killfeed/internal/killfeed/configuration"
	"github.com/killfeedproject/killfeed/internal/killfeed/schema"
)

const (
	CustomConfigLocation = "config"
	MigrateDatabase      = "migrateDatabase"
	RunOnce              = "once"
)

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Bool(MigrateDatabase, false, "Migrate database instead of running the ingester")
	pflag.Bool(RunOnce, false, "Sweep the tracked set once and exit instead of polling")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/killfeed", userSpecifiedConfigs)

	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		os.Exit(-1)
	}

	ctx := createContextWithShutdown()
	if viper.GetBool(MigrateDatabase) {
		if err := migrateDatabase(ctx, config); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := killfeed.Run(ctx, &config, viper.GetBool(RunOnce)); err != nil {
		log.Fatal(err)
	}
}

func migrateDatabase(ctx context.Context, config configuration.Configuration) error {
	log.Infof("Opening connection pool to postgres")
	db, err := database.OpenPgxPool(ctx, config.Postgres.Connection)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations, err := schema.Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}

// createContextWithShutdown returns a context that reports done once SIGINT
// or SIGTERM is received.
func createContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
