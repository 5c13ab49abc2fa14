// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/registry"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	emptyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var errPassphraseMismatch = errors.New("passphrases do not match")

func parseAccountID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account number '%v'", s)
	}
	return id, nil
}

func lookup(reg *registry.Registry, s string) (*account.Ledger, error) {
	id, err := parseAccountID(s)
	if err != nil {
		return nil, err
	}
	l := reg.Account(id)
	if l == nil {
		return nil, fmt.Errorf("%w: %d", registry.ErrNoSuchAccount, id)
	}
	return l, nil
}

func newAccountsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Manage payment accounts",
	}
	cmd.AddCommand(
		newListCommand(a),
		newShowCommand(a),
		newActivateCommand(a),
		newRemoveCommand(a),
		newLockCommand(a),
		newExportCommand(a),
		newImportCommand(a),
	)
	return cmd
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(func(reg *registry.Registry) error {
				listAccounts(cmd.OutOrStdout(), reg, time.Now())
				return nil
			})
		},
	}
}

func listAccounts(w io.Writer, reg *registry.Registry, now time.Time) {
	accounts := reg.Accounts()
	if len(accounts) == 0 {
		writeOut(w, "No accounts.\n")
		return
	}
	writeOut(w, "%s\n", headerStyle.Render(fmt.Sprintf("  %-20s %-16s %14s %14s  %s", "ACCOUNT", "INSTANCE", "CREDIT", "UNCONFIRMED", "STATE")))
	active := reg.ActiveAccount()
	for _, l := range accounts {
		marker := " "
		if l == active {
			marker = activeStyle.Render("*")
		}
		writeOut(w, "%s %-20d %-16s %14d %14d  %s\n",
			marker, l.ID(), l.PaymentInstanceID(), l.CurrentCredit(), l.UnconfirmedBytes(), accountState(l, now))
	}
}

func accountState(l *account.Ledger, now time.Time) string {
	state := "charged"
	if !l.IsCharged(now) {
		state = emptyStyle.Render("empty")
	}
	if l.Locked() {
		state += ",locked"
	}
	return state
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ACCOUNT",
		Short: "Show the balance and cost confirmations of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(func(reg *registry.Registry) error {
				l, err := lookup(reg, args[0])
				if err != nil {
					return err
				}
				showAccount(cmd.OutOrStdout(), reg, l, time.Now())
				return nil
			})
		},
	}
}

func showAccount(w io.Writer, reg *registry.Registry, l *account.Ledger, now time.Time) {
	writeOut(w, "%s %d\n", headerStyle.Render("Account"), l.ID())
	writeOut(w, "  Payment instance:  %s\n", l.PaymentInstanceID())
	writeOut(w, "  Active:            %v\n", reg.ActiveAccount() == l)
	writeOut(w, "  State:             %s\n", accountState(l, now))
	writeOut(w, "  Spent:             %d\n", l.Spent())
	writeOut(w, "  Confirmed by us:   %d\n", l.MySpent())
	writeOut(w, "  Unconfirmed bytes: %d\n", l.UnconfirmedBytes())
	if b := l.Balance(); b != nil {
		writeOut(w, "  Deposit:           %d\n", b.Deposit)
		writeOut(w, "  Credit:            %d\n", b.Credit)
		writeOut(w, "  Flat rate ends:    %s\n", b.FlatEnd.Format(time.RFC3339))
		writeOut(w, "  Balance from:      %s\n", b.Timestamp.Format(time.RFC3339))
		if b.Message != nil {
			writeOut(w, "  Message:           %s\n", b.Message.Short)
		}
	} else {
		writeOut(w, "  No balance fetched yet.\n")
	}
	if t := l.BackupTime(); !t.IsZero() {
		writeOut(w, "  Last backup:       %s\n", t.Format(time.RFC3339))
	}

	ccs := l.CostConfirmations()
	if len(ccs) == 0 {
		return
	}
	writeOut(w, "%s\n", headerStyle.Render("Cost confirmations"))
	for _, cc := range ccs {
		writeOut(w, "  %-24s %14d  %.16s\n", cc.CascadeID, cc.TransferredBytes, cc.Fingerprint())
	}
}

func newActivateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "activate ACCOUNT",
		Short: "Use the account for the next login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(func(reg *registry.Registry) error {
				l, err := lookup(reg, args[0])
				if err != nil {
					return err
				}
				if err := reg.SetActiveAccount(l.ID()); err != nil {
					return err
				}
				writeOut(cmd.OutOrStdout(), "Account %d is active.\n", l.ID())
				return nil
			})
		},
	}
}

func newRemoveCommand(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove ACCOUNT",
		Short: "Delete an account",
		Long: `Delete an account from the database. Accounts that still hold credit
and were never backed up are only removed with --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(func(reg *registry.Registry) error {
				l, err := lookup(reg, args[0])
				if err != nil {
					return err
				}
				if !force && l.IsCharged(time.Now()) && l.BackupTime().IsZero() {
					return fmt.Errorf("account %d holds credit and has no backup, use --force", l.ID())
				}
				if err := reg.RemoveAccount(l.ID()); err != nil {
					return err
				}
				writeOut(cmd.OutOrStdout(), "Account %d removed.\n", l.ID())
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove charged accounts without a backup")
	return cmd
}

// newPassphrase asks for a passphrase twice.
func (a *app) newPassphrase() ([]byte, error) {
	p1, err := a.readPassphrase("New passphrase: ")
	if err != nil {
		return nil, err
	}
	p2, err := a.readPassphrase("Repeat passphrase: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(p1, p2) {
		return nil, errPassphraseMismatch
	}
	if len(p1) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return p1, nil
}

func (a *app) unlockPrompt(id int64) ([]byte, error) {
	return a.readPassphrase(fmt.Sprintf("Passphrase of account %d: ", id))
}

func newLockCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lock ACCOUNT",
		Short: "Encrypt the private key of an account with a passphrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(func(reg *registry.Registry) error {
				l, err := lookup(reg, args[0])
				if err != nil {
					return err
				}
				if l.Locked() {
					return fmt.Errorf("account %d is already locked", l.ID())
				}
				passphrase, err := a.newPassphrase()
				if err != nil {
					return err
				}
				if err := l.Lock(passphrase); err != nil {
					return err
				}
				writeOut(cmd.OutOrStdout(), "Account %d locked.\n", l.ID())
				return nil
			})
		},
	}
}

func newExportCommand(a *app) *cobra.Command {
	var seal bool
	cmd := &cobra.Command{
		Use:   "export FILE [ACCOUNT...]",
		Short: "Write a JSON backup of accounts",
		Long: `Write the given accounts, or all of them, to FILE. With --seal every
private key is sealed with a new passphrase; locked accounts are unlocked
first. Without it locked keys stay sealed and other keys are written in the
clear.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []int64
			for _, s := range args[1:] {
				id, err := parseAccountID(s)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return a.withRegistry(func(reg *registry.Registry) error {
				var passphrase []byte
				if seal {
					if err := unlockAll(reg, ids, a.unlockPrompt); err != nil {
						return err
					}
					var err error
					if passphrase, err = a.newPassphrase(); err != nil {
						return err
					}
				}

				var buf bytes.Buffer
				if err := reg.Export(&buf, passphrase, ids...); err != nil {
					return err
				}
				if err := os.WriteFile(args[0], buf.Bytes(), 0600); err != nil {
					return err
				}
				writeOut(cmd.OutOrStdout(), "Backup written to %s.\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&seal, "seal", false, "seal the private keys with a new passphrase")
	return cmd
}

func unlockAll(reg *registry.Registry, ids []int64, fn account.PassphraseFunc) error {
	ledgers := reg.Accounts()
	if len(ids) > 0 {
		ledgers = ledgers[:0:0]
		for _, id := range ids {
			l := reg.Account(id)
			if l == nil {
				return fmt.Errorf("%w: %d", registry.ErrNoSuchAccount, id)
			}
			ledgers = append(ledgers, l)
		}
	}
	for _, l := range ledgers {
		if err := l.Unlock(fn); err != nil {
			return err
		}
	}
	return nil
}

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Add the accounts of a JSON backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return a.withRegistry(func(reg *registry.Registry) error {
				n, err := reg.Import(f)
				if err != nil {
					return err
				}
				writeOut(cmd.OutOrStdout(), "Imported %d accounts.\n", n)
				return nil
			})
		},
	}
}
