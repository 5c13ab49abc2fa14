// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope

// Package profiling starts continuous profiling when built with the
// pyroscope tag.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Enabled reports whether the binary was built with profiling support.
const Enabled = true

// Start initializes Pyroscope profiling for the payment client. The
// server address is taken from PYROSCOPE_SERVER_ADDRESS. The application
// name defaults to appName and the cascade tag is optional.
func Start(log *logging.Logger, appName string) error {
	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return errors.New("PYROSCOPE_SERVER_ADDRESS is not set")
	}
	if name := os.Getenv("PYROSCOPE_APP_NAME"); name != "" {
		appName = name
	}
	tags := map[string]string{"component": "payment"}
	if cascade := os.Getenv("PYROSCOPE_CASCADE_TAG"); cascade != "" {
		tags["cascade"] = cascade
	}

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags:            tags,
	})
	if err != nil {
		return err
	}
	log.Infof("Pyroscope profiling %s at %s.", appName, serverAddress)
	return nil
}
