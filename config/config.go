// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration of the payment client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel               = "NOTICE"
	defaultLoginTimeout           = 120000
	defaultNoChargedAccountUpdate = 300
	defaultBalanceFetchTimeout    = 30
	defaultAccountsFile           = "accounts.db"
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Payment is the payment channel configuration.
type Payment struct {
	// AccountsFile is the bolt database holding the accounts.
	AccountsFile string

	// LoginTimeout is the number of milliseconds to wait for the
	// accounting instance to confirm a login.
	LoginTimeout int

	// SynchronizedLogin waits for the login confirmation. It defaults to
	// true and is only turned off for cascades that never confirm.
	SynchronizedLogin bool

	// BalanceAutoUpdate allows fetching balances from the billing
	// instance without an explicit request.
	BalanceAutoUpdate bool

	// NoChargedAccountUpdate is the age in seconds after which balances
	// are fetched again when no charged account is available.
	NoChargedAccountUpdate int

	// BalanceFetchTimeout is the number of seconds a balance fetch may take.
	BalanceFetchTimeout int
}

func (p *Payment) fixup() {
	if p.AccountsFile == "" {
		p.AccountsFile = defaultAccountsFile
	}
	if p.LoginTimeout == 0 {
		p.LoginTimeout = defaultLoginTimeout
	}
	if p.NoChargedAccountUpdate == 0 {
		p.NoChargedAccountUpdate = defaultNoChargedAccountUpdate
	}
	if p.BalanceFetchTimeout == 0 {
		p.BalanceFetchTimeout = defaultBalanceFetchTimeout
	}
}

func (p *Payment) validate() error {
	switch {
	case p.LoginTimeout < 0:
		return errors.New("config: Payment: LoginTimeout is negative")
	case p.NoChargedAccountUpdate < 0:
		return errors.New("config: Payment: NoChargedAccountUpdate is negative")
	case p.BalanceFetchTimeout < 0:
		return errors.New("config: Payment: BalanceFetchTimeout is negative")
	}
	return nil
}

// Metrics is the prometheus exporter configuration.
type Metrics struct {
	// Address is the listen address of the exporter, disabled if empty.
	Address string
}

// Debug is the debug configuration.
type Debug struct {
	// EnableProfiling starts continuous profiling, if built in.
	EnableProfiling bool
}

// Config is the top level configuration.
type Config struct {
	Logging *Logging
	Payment *Payment
	Metrics *Metrics
	Debug   *Debug
}

func defaultPayment() *Payment {
	return &Payment{
		SynchronizedLogin: true,
		BalanceAutoUpdate: true,
	}
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Payment == nil {
		c.Payment = defaultPayment()
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Payment.fixup()

	if err := c.Logging.validate(); err != nil {
		return err
	}
	return c.Payment.validate()
}

// Default returns the configuration used without a config file.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("BUG: config: invalid defaults: " + err.Error())
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	// Booleans that default to true stay true unless set.
	if cfg.Payment != nil {
		if !md.IsDefined("Payment", "SynchronizedLogin") {
			cfg.Payment.SynchronizedLogin = true
		}
		if !md.IsDefined("Payment", "BalanceAutoUpdate") {
			cfg.Payment.BalanceAutoUpdate = true
		}
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
