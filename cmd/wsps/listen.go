package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fastqm/wsps/internal/router"
)

var listenCmd = &cobra.Command{
	Use:   "listen CHANNEL...",
	Short: "Subscribe to channels and print every event as a JSON line",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		lines := make(chan line, 64)
		sub := router.NotifyFunc(func(channel string, ev router.Event) {
			select {
			case lines <- line{At: time.Now().UTC(), Channel: channel, SentBy: ev.SentBy.String(), Range: ev.Range, Data: ev.Data}:
			default:
				s.log.Warn().Str("channel", channel).Msg("output backlog full, event skipped")
			}
		})
		if err := s.manager.Subscribe(args, sub); err != nil {
			return err
		}
		s.log.Info().Strs("channels", args).Str("url", s.cfg.URL).Msg("listening")

		lost := connectionLost(ctx, s.manager)
		for {
			select {
			case <-ctx.Done():
				return nil
			case l := <-lines:
				if err := enc.Encode(l); err != nil {
					return err
				}
			case <-lost:
				s.log.Warn().Str("state", s.manager.State().String()).Msg("connection ended")
				return nil
			}
		}
	},
}

type line struct {
	At      time.Time    `json:"at"`
	Channel string       `json:"channel"`
	SentBy  string       `json:"sent_by"`
	Range   router.Range `json:"range"`
	Data    any          `json:"data"`
}

// connectionLost fires once the manager leaves the open state.
func connectionLost(ctx context.Context, m *router.Manager) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.IsConnected() {
					close(done)
					return
				}
			}
		}
	}()
	return done
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
