package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/viznode/rrm/pkg/allocator"
	"github.com/viznode/rrm/pkg/api"
	"github.com/viznode/rrm/pkg/broker"
	"github.com/viznode/rrm/pkg/config"
	"github.com/viznode/rrm/pkg/imagefeed"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/sessions"
	"github.com/viznode/rrm/pkg/settings"
	"github.com/viznode/rrm/pkg/storage/sqlite"
	"github.com/viznode/rrm/pkg/sweeper"
	"github.com/viznode/rrm/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the rendering resource broker",
		Long: `Start the broker's HTTP server. Configuration comes from defaults, the
optional --config file and RRM_-prefixed environment variables.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "Listen address, overrides RRM_ADDRESS")
	if err := viper.BindPFlag("flag_address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	if address := viper.GetString("flag_address"); address != "" {
		cfg.Address = address
	}

	logger.Infof("Starting rendering resource broker on %s", cfg.Address)
	logger.Infof("Allocator backend: %s", cfg.Backend)

	store, err := sqlite.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.Database, err)
	}
	defer store.Close()

	registry := settings.NewRegistry(store.Settings())

	alloc, err := allocator.New(cfg.Allocator(), store.Sessions())
	if err != nil {
		return fmt.Errorf("creating allocator: %w", err)
	}

	manager, err := sessions.NewManager(ctx, store, registry, alloc, sessions.Config{
		DefaultKeepAlive: cfg.KeepAlive,
		ProbeTimeout:     cfg.ProbeTimeout,
		ProbeRetries:     cfg.ProbeRetries,
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	b := broker.New(manager, imagefeed.New(cfg.ImageFeedURL, cfg.ForwardTimeout), cfg.ForwardTimeout)

	go sweeper.New(manager, cfg.SweepInterval).Run(ctx)

	collector := telemetry.NewCollector(manager)
	collector.Start(ctx)
	defer collector.Stop()

	router := api.NewRouter(api.Deps{
		Manager:  manager,
		Broker:   b,
		Registry: registry,
	}, cfg.URIPrefix)

	return api.Serve(ctx, cfg.Address, router)
}
