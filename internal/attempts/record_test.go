// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attempts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecord_LockoutWindow(t *testing.T) {
	var r Record
	assert.False(t, r.IsLocked(epoch))
	assert.False(t, r.LockoutElapsed(epoch))

	r.LockedUntil = epoch.Add(30 * time.Second)
	assert.True(t, r.IsLocked(epoch))
	assert.True(t, r.IsLocked(epoch.Add(29*time.Second)))
	assert.Equal(t, 10*time.Second, r.TimeRemaining(epoch.Add(20*time.Second)))

	// The boundary instant is already outside the window.
	assert.False(t, r.IsLocked(epoch.Add(30*time.Second)))
	assert.True(t, r.LockoutElapsed(epoch.Add(30*time.Second)))
	assert.Zero(t, r.TimeRemaining(epoch.Add(31*time.Second)))
}

func TestRecord_RecordFailure(t *testing.T) {
	var r Record
	for i := 1; i < 3; i++ {
		require.False(t, r.RecordFailure(epoch, 3, time.Minute))
		require.Equal(t, i, r.ConsecutiveFailures)
		require.True(t, r.LockedUntil.IsZero())
	}

	require.True(t, r.RecordFailure(epoch, 3, time.Minute))
	assert.Equal(t, 3, r.ConsecutiveFailures)
	assert.Equal(t, epoch.Add(time.Minute), r.LockedUntil)
	assert.Equal(t, 1, r.LockoutCount)
	assert.Equal(t, epoch, r.LastFailure)
}

func TestRecord_ClearElapsedLockout(t *testing.T) {
	r := Record{ConsecutiveFailures: 5, LockedUntil: epoch, LockoutCount: 2}

	require.False(t, r.ClearElapsedLockout(epoch.Add(-time.Nanosecond)))
	require.Equal(t, 5, r.ConsecutiveFailures)

	require.True(t, r.ClearElapsedLockout(epoch.Add(time.Nanosecond)))
	assert.Zero(t, r.ConsecutiveFailures)
	assert.True(t, r.LockedUntil.IsZero())
	assert.Equal(t, 2, r.LockoutCount, "history is kept")

	require.False(t, r.ClearElapsedLockout(epoch.Add(time.Hour)))
}

func TestRecord_RecordSuccess(t *testing.T) {
	r := Record{ConsecutiveFailures: 4, LastFailure: epoch}
	r.RecordSuccess()
	assert.Zero(t, r.ConsecutiveFailures)
	assert.Equal(t, epoch, r.LastFailure)
}
