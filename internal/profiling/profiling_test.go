// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

package profiling

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mixpay/mixpay/core/log"
)

func TestStartDisabled(t *testing.T) {
	require.False(t, Enabled)
	require.NoError(t, Start(log.NewDiscard().GetLogger("test"), "mixpay"))
}
