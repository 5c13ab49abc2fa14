// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mixpay/mixpay/internal/instrument"
	"github.com/mixpay/mixpay/registry"
)

const defaultMetricsInterval = 30 * time.Second

func newMetricsCommand(a *app) *cobra.Command {
	var (
		listen   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve the account state to prometheus",
		Long: `Serve the credit and unconfirmed bytes of every account on /metrics until
interrupted. The listen address defaults to Metrics.Address of the
configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = a.cfg.Metrics.Address
			}
			if listen == "" {
				return errors.New("required flag --listen or Metrics.Address is not set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.withRegistry(func(reg *registry.Registry) error {
				return a.serveMetrics(ctx, reg, listen, interval)
			})
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address of the exporter")
	cmd.Flags().DurationVar(&interval, "interval", defaultMetricsInterval, "account state refresh interval")
	return cmd
}

func (a *app) serveMetrics(ctx context.Context, reg *registry.Registry, addr string, interval time.Duration) error {
	srv := instrument.StartListener(addr, a.log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warningf("Metrics listener shutdown: %v", err)
		}
	}()

	publishAccountState(reg)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Noticef("Stopping metrics exporter.")
			return nil
		case <-t.C:
			publishAccountState(reg)
		}
	}
}

func publishAccountState(reg *registry.Registry) {
	for _, l := range reg.Accounts() {
		instrument.AccountState(l.ID(), l.CurrentCredit(), l.UnconfirmedBytes())
	}
}
