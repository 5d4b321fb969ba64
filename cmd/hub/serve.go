package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/homelabcmd/hub/pkg/actions"
	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/api"
	"github.com/homelabcmd/hub/pkg/config"
	"github.com/homelabcmd/hub/pkg/configpack"
	"github.com/homelabcmd/hub/pkg/events"
	"github.com/homelabcmd/hub/pkg/heartbeat"
	"github.com/homelabcmd/hub/pkg/hostkeys"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/notify"
	"github.com/homelabcmd/hub/pkg/scheduler"
	"github.com/homelabcmd/hub/pkg/sshexec"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/tokens"
	"github.com/homelabcmd/hub/pkg/vault"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})

		key, err := config.EncryptionKey()
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		v, err := vault.New(key, store)
		if err != nil {
			return err
		}

		hostKeys := hostkeys.NewStore(store)
		authority := tokens.NewAuthority(store)
		exec := sshexec.NewExecutor(v, hostKeys)
		engine := alerting.NewEngine(store, cfg.Alerting)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		notifier := notify.New(cfg.Notifications)
		notifier.Start(broker)

		processor := heartbeat.NewProcessor(store, authority, engine, broker, cfg.LegacyAPIKey)
		queue := actions.NewQueue(store, exec, broker)
		loader := configpack.NewLoader(cfg.PacksDir)
		applier := configpack.NewApplier(store, exec, loader, engine, broker)

		sched := scheduler.New(store, engine, notifier, applier, broker,
			cfg.Alerting.Thresholds.ServerOfflineSeconds)
		sched.Start()
		defer sched.Stop()

		apiServer := api.New(store, processor, authority, queue, applier, loader, engine, exec, v, cfg.HubURL)
		httpServer := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.WithComponent("main").Info().
				Str("addr", cfg.ListenAddr).
				Msg("hub listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.WithComponent("main").Info().
				Str("signal", sig.String()).
				Msg("shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithComponent("main").Error().Err(err).Msg("http shutdown failed")
		}
		exec.ClearPool()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "/etc/homelab-hub/config.yaml", "Path to the hub config file")
}
