package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fastqm/wsps/internal/config"
	"github.com/fastqm/wsps/internal/core/network"
	"github.com/fastqm/wsps/internal/hub"
	"github.com/fastqm/wsps/internal/hubapi"
	"github.com/fastqm/wsps/internal/logging"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "wsps-hub",
	Short:         "Run a wsps hub node",
	Long:          "Accept websocket clients, re-broadcast their publishes and federate with other hub nodes.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHub,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&envFile, "env-file", "", "extra .env file to load before reading the environment")
	flags.String("addr", "", "http listen address (WSPS_ADDR)")
	flags.String("node-id", "", "hub node id (WSPS_NODE_ID)")
	flags.String("federation", "", "federation backend: none, memory, libp2p or redis (WSPS_FEDERATION)")
	flags.String("redis-url", "", "redis url for redis federation (WSPS_REDIS_URL)")
	flags.StringSlice("bootstrap", nil, "libp2p bootstrap multiaddrs (WSPS_LIBP2P_BOOTSTRAP)")
	flags.String("log-level", "", "trace, debug, info, warn, error or disabled (WSPS_LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wsps-hub:", err)
		os.Exit(1)
	}
}

func runHub(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := config.LoadFile(envFile); err != nil {
			return err
		}
	}
	cfg, err := loadHubConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New("wsps-hub", cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fed, err := openFederation(ctx, cfg, log)
	if err != nil {
		return err
	}
	opts := []hub.Option{hub.WithLogger(log), hub.WithNodeID(cfg.NodeID)}
	if fed != nil {
		defer fed.Close()
		opts = append(opts, hub.WithFederation(fed))
	}
	h, err := hub.New(opts...)
	if err != nil {
		return err
	}
	defer h.Close()

	wsOpts := network.DefaultWebSocketOptions()
	wsOpts.SendBuffer = cfg.SendBuffer
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           hubapi.NewServer(h, log, wsOpts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("node", h.NodeID()).Str("federation", cfg.Federation).Msg("hub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info().Msg("hub stopped")
	return nil
}

func loadHubConfig(cmd *cobra.Command) (config.HubConfig, error) {
	cfg, err := config.LoadHub()
	if err != nil && !errors.Is(err, config.ErrMissingRedisURL) {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("node-id") {
		cfg.NodeID, _ = flags.GetString("node-id")
	}
	if flags.Changed("federation") {
		cfg.Federation, _ = flags.GetString("federation")
	}
	if flags.Changed("redis-url") {
		cfg.RedisURL, _ = flags.GetString("redis-url")
	}
	if flags.Changed("bootstrap") {
		cfg.Libp2pBootstrap, _ = flags.GetStringSlice("bootstrap")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	return cfg, cfg.Validate()
}

func openFederation(ctx context.Context, cfg config.HubConfig, log zerolog.Logger) (network.PubSub, error) {
	switch cfg.Federation {
	case config.FederationMemory:
		return network.NewMemoryPubSub(), nil
	case config.FederationRedis:
		ps, err := network.NewRedisPubSub(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, fmt.Errorf("redis federation: %w", err)
		}
		return ps, nil
	case config.FederationLibp2p:
		ps, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs:     cfg.Libp2pListen,
			Bootstrap:       cfg.Libp2pBootstrap,
			Rendezvous:      cfg.Libp2pRendezvous,
			EnableMDNS:      cfg.Libp2pMDNS,
			IdentityKeyFile: cfg.Libp2pIdentity,
			Logger:          log,
		})
		if err != nil {
			return nil, fmt.Errorf("libp2p federation: %w", err)
		}
		for _, addr := range ps.Addrs() {
			log.Info().Str("addr", addr).Msg("libp2p listening")
		}
		return ps, nil
	default:
		return nil, nil
	}
}
