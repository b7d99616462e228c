package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/roomsync/server"
)

var rootCmd = &cobra.Command{
	Use:   "roomsyncd",
	Short: "Room chat backend: history endpoint plus live websocket fan-out",
	RunE:  runServer,
}

var (
	flagAddr     string
	flagDataPath string
	flagNatsURL  string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAddr, "addr", "", "listen address (overrides ROOMSYNC_ADDR)")
	flags.StringVar(&flagDataPath, "data-path", "", "directory to persist room history via PebbleDB (overrides ROOMSYNC_DATA)")
	flags.StringVar(&flagNatsURL, "nats-url", "", "NATS URL for multi-instance fan-out (overrides ROOMSYNC_NATS_URL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute roomsyncd command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagDataPath != "" {
		cfg.DataPath = flagDataPath
	}
	if flagNatsURL != "" {
		cfg.NatsURL = flagNatsURL
	}

	hub := server.NewHub(cfg.HistoryLimit, cfg.MaxImageBytes)

	// Optional: open persistent store and preload room backlogs
	var store *server.Store
	if cfg.DataPath != "" {
		s, err := server.OpenStore(cfg.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[roomsyncd] open store failed; running in memory only")
		} else {
			store = s
			if rooms, err := store.RecentAll(cfg.HistoryLimit); err != nil {
				log.Warn().Err(err).Msg("[roomsyncd] load history failed")
			} else if len(rooms) > 0 {
				hub.Bootstrap(rooms)
				log.Info().Msgf("[roomsyncd] warmed backlog for %d rooms from store", len(rooms))
			}
			hub.AttachStore(store)
		}
	}

	// Optional: cross-instance fan-out
	var bridge *server.Bridge
	if cfg.NatsURL != "" {
		b, err := server.NewBridge(cfg.NatsURL, hub.Deliver)
		if err != nil {
			log.Warn().Err(err).Msg("[roomsyncd] bridge unavailable; running single-instance")
		} else {
			bridge = b
			hub.AttachBridge(bridge)
		}
	}

	handler := server.NewHandler(hub, store, cfg.HistoryLimit)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("[roomsyncd] serving")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[roomsyncd] http stopped")
			stop()
		}
	}()

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("[roomsyncd] http shutdown error")
	}
	hub.CloseAll()
	bridge.Close()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[roomsyncd] store close error")
		}
	}
	log.Info().Msg("[roomsyncd] shutdown complete")
	return nil
}
