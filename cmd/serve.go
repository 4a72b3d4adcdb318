package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/api"
	"github.com/sells-group/municipality-check/internal/checker"
	"github.com/sells-group/municipality-check/internal/datasets"
	"github.com/sells-group/municipality-check/internal/monitoring"
	"github.com/sells-group/municipality-check/pkg/geocode"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the address check HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		set, err := initLayers(ctx, cfg.Data)
		if err != nil {
			return err
		}

		geo, release, err := initGeocoder(ctx, cfg.Geocoder, cfg.Cache)
		if err != nil {
			return err
		}
		defer release()

		var (
			client   geocode.Client
			breakers monitoring.BreakerStates
		)
		if geo != nil {
			client, breakers = geo, geo.Breakers()
		}

		svc := checker.NewService(set, st,
			checker.WithGeocoder(client),
			checker.WithMetrics(checker.NewMetrics()),
		)
		refresher := datasets.NewRefresher(newFetcher(cfg.ArcGIS, cfg.Geocoder.UserAgent), set, cfg.ArcGIS, cfg.Data)
		collector := monitoring.NewCollector(st, breakers, nil)

		if cfg.Monitoring.Enabled {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			go monitoring.NewChecker(collector, alerter, cfg.Monitoring, nil).Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := api.NewServer(fmt.Sprintf(":%d", port), api.Deps{
			Checker:    svc,
			Refresher:  refresher,
			Collector:  collector,
			Layers:     set,
			AdminToken: cfg.Admin.Token,
		})

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.Bool("geocoding", svc.GeocodingEnabled()),
			zap.Bool("admin_refresh", cfg.Admin.Token != ""),
		)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
