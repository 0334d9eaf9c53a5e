package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAllocWindow(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	la, err := LoadLocalAlloc(fs, 0)
	require.NoError(t, err)
	assert.Zero(t, la.payload().BitmapBits)

	freeBefore := globalFreeBits(t, fs)
	require.NoError(t, la.MoveWindow(64))
	assert.Equal(t, uint32(64), la.payload().BitmapBits)
	// The whole window is pinned out of the global bitmap up front.
	assert.Equal(t, freeBefore-64, globalFreeBits(t, fs))

	start, err := la.AllocClusters(10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, start, la.payload().BitmapOffset)
	assert.Equal(t, uint32(10), la.payload().BitsSet)

	// Window allocations never touch the global counters again.
	assert.Equal(t, freeBefore-64, globalFreeBits(t, fs))
}

func TestLocalAllocMoveReturnsUnused(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	la, err := LoadLocalAlloc(fs, 1)
	require.NoError(t, err)
	freeBefore := globalFreeBits(t, fs)

	require.NoError(t, la.MoveWindow(32))
	_, err = la.AllocClusters(8)
	require.NoError(t, err)

	// Moving again returns the 24 unused bits and pins a fresh window of
	// 32: net pinned = 8 + 32.
	require.NoError(t, la.MoveWindow(32))
	assert.Equal(t, freeBefore-8-32, globalFreeBits(t, fs))
}

func TestLocalAllocRecover(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	la, err := LoadLocalAlloc(fs, 2)
	require.NoError(t, err)
	freeBefore := globalFreeBits(t, fs)

	require.NoError(t, la.MoveWindow(16))
	_, err = la.AllocClusters(4)
	require.NoError(t, err)

	// Crash recovery: the 4 used clusters stay allocated (they will be
	// orphan-reaped), the 12 unused return, the window closes.
	require.NoError(t, la.Recover())
	assert.Zero(t, la.payload().BitmapBits)
	assert.Equal(t, freeBefore-4, globalFreeBits(t, fs))
}
