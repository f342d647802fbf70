package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fastqm/wsps/internal/config"
	"github.com/fastqm/wsps/internal/core/frame"
	"github.com/fastqm/wsps/internal/core/network"
	"github.com/fastqm/wsps/internal/logging"
	"github.com/fastqm/wsps/internal/router"
)

var (
	envFile  string
	hubURL   string
	rangeArg string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "wsps",
	Short:         "Talk to a wsps hub from the command line",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", "", "extra .env file to load before reading the environment")
	flags.StringVar(&hubURL, "url", "", "hub websocket url (WSPS_URL)")
	flags.StringVar(&rangeArg, "range", "", "client-only, server-only or all (WSPS_DEFAULT_RANGE)")
	flags.StringVar(&logLevel, "log-level", "", "log level (WSPS_LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wsps:", err)
		os.Exit(1)
	}
}

type session struct {
	cfg     config.ClientConfig
	log     zerolog.Logger
	manager *router.Manager
}

// openSession loads the client config, applies flag overrides and connects a
// Manager to the hub.
func openSession(ctx context.Context) (*session, error) {
	if envFile != "" {
		if err := config.LoadFile(envFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if hubURL != "" {
		cfg.URL = hubURL
	}
	if rangeArg != "" {
		if cfg.DefaultRange, err = frame.ParseRange(rangeArg); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log := logging.NewWithWriter(os.Stderr, "wsps", cfg.Log.Level, cfg.Log.Pretty)

	wsOpts := network.DefaultWebSocketOptions()
	wsOpts.SendBuffer = cfg.SendBuffer
	dialer := network.NewWebSocketDialer(wsOpts)

	m := router.NewManager(
		router.WithDialer(dialer),
		router.WithLogger(log),
		router.WithDefaultRange(cfg.DefaultRange),
	)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := m.Connect(dialCtx, cfg.URL); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, log: log, manager: m}, nil
}

// close flushes queued frames and drops the connection.
func (s *session) close() {
	if err := s.manager.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close connection")
	}
}
