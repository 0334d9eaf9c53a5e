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

func TestFsckDetectsAndRepairsCounterDrift(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	// Skew the global bitmap's first chain record the way a torn write
	// would.
	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)
	gb.dinode.ChainList.Chains[0].Free += 17
	require.NoError(t, WriteDinode(fs.Cache(), gb.dinode))
	fs.clusterAlloc = nil // drop the cached view so fsck reloads from disk

	res, err := Fsck(fs, false, nil)
	require.NoError(t, err)
	assert.False(t, res.Clean())
	assert.Zero(t, res.Fixed)

	fs.clusterAlloc = nil
	res, err = Fsck(fs, true, nil)
	require.NoError(t, err)
	assert.NotZero(t, res.Fixed)

	fs.clusterAlloc = nil
	res, err = Fsck(fs, false, nil)
	require.NoError(t, err)
	assert.True(t, res.Clean(), "fsck problems after repair: %v", res.Problems)
}

func TestFsckReportsGroupBitmapDrift(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)
	head := gb.dinode.ChainList.Chains[0].Blkno
	g, err := gb.group(head)
	require.NoError(t, err)
	g.FreeBitsCount -= 3
	require.NoError(t, writeGroupDescriptor(fs.Cache(), g))
	fs.clusterAlloc = nil

	res, err := Fsck(fs, false, nil)
	require.NoError(t, err)
	assert.False(t, res.Clean())
}

func TestFsckFlagsInterruptedTunefs(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	require.NoError(t, setTunefsInProgress(fs, tunefsInProgressResize))
	res, err := Fsck(fs, false, nil)
	require.NoError(t, err)
	assert.False(t, res.Clean())
}

func TestFsckRepairsOpenLocalAllocWindow(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	la, err := LoadLocalAlloc(fs, 0)
	require.NoError(t, err)
	require.NoError(t, la.MoveWindow(32))

	res, err := Fsck(fs, true, nil)
	require.NoError(t, err)
	assert.NotZero(t, res.Fixed)

	la, err = LoadLocalAlloc(fs, 0)
	require.NoError(t, err)
	assert.Zero(t, la.payload().BitmapBits)
}
