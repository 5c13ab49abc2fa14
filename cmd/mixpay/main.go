// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command mixpay manages the payment accounts of a mix cascade client.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"

	"github.com/mixpay/mixpay/common"
	"github.com/mixpay/mixpay/config"
	"github.com/mixpay/mixpay/core/log"
	"github.com/mixpay/mixpay/internal/profiling"
	"github.com/mixpay/mixpay/registry"
)

type app struct {
	configFile string
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	// readPassphrase prompts on the terminal unless replaced.
	readPassphrase func(prompt string) ([]byte, error)
}

func newApp() *app {
	return &app{readPassphrase: terminalPassphrase}
}

func terminalPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(int(os.Stdin.Fd()))
}

func (a *app) setup() error {
	if a.configFile == "" {
		a.cfg = config.Default()
	} else {
		cfg, err := config.LoadFile(a.configFile)
		if err != nil {
			return fmt.Errorf("failed to load config file '%v': %v", a.configFile, err)
		}
		a.cfg = cfg
	}

	backend, err := log.New(a.cfg.Logging.File, a.cfg.Logging.Level, a.cfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	a.logBackend = backend
	a.log = backend.GetLogger("mixpay")

	if a.cfg.Debug.EnableProfiling {
		if err := profiling.Start(a.log, "mixpay"); err != nil {
			return err
		}
	}
	return nil
}

// openRegistry opens the account database named by the configuration.
func (a *app) openRegistry() (*registry.Registry, error) {
	store, err := registry.OpenStore(a.cfg.Payment.AccountsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts file '%v': %v", a.cfg.Payment.AccountsFile, err)
	}
	reg, err := registry.New(a.logBackend, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return reg, nil
}

// withRegistry runs fn on the opened registry and closes it afterwards.
func (a *app) withRegistry(fn func(*registry.Registry) error) (err error) {
	reg, err := a.openRegistry()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reg.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(reg)
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mixpay",
		Short: "Payment account manager for mix cascades",
		Long: `Manage the prepaid accounts used to pay mix cascades.

Accounts are kept in the bolt database named by Payment.AccountsFile. They
can be listed, activated, locked with a passphrase, and moved between
installations as JSON backups. The metrics command exports their state to
prometheus.`,
		Example: `  # List the accounts
  mixpay -c mixpay.toml accounts list

  # Use account 1234 for the next login
  mixpay -c mixpay.toml accounts activate 1234

  # Back up all accounts, sealing their keys with a new passphrase
  mixpay -c mixpay.toml accounts export --seal backup.json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "configuration file")

	cmd.AddCommand(newAccountsCommand(a))
	cmd.AddCommand(newMetricsCommand(a))
	return cmd
}

func writeOut(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func main() {
	common.ExecuteWithFang(newRootCommand(newApp()))
}
