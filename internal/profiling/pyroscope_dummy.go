// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

// Package profiling starts continuous profiling when built with the
// pyroscope tag.
package profiling

import "gopkg.in/op/go-logging.v1"

// Enabled reports whether the binary was built with profiling support.
const Enabled = false

// Start logs that profiling is unavailable in this build.
func Start(log *logging.Logger, appName string) error {
	log.Debugf("Profiling of %s is disabled in this build.", appName)
	return nil
}
