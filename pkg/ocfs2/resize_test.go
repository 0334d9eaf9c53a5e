package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResizeGrow(t *testing.T) {
	dev := NewMemDevice(64 << 20)
	opts := FormatOptions{
		BlockSize:   4096,
		ClusterSize: 4096,
		Slots:       2,
		Label:       "resizeme",
		Features:    defaultTestFeatures(),
		TotalBlocks: 8192, // half the device
	}
	require.NoError(t, Format(dev, opts, nil))
	fs, err := OpenDeviceHandle(dev)
	require.NoError(t, err)
	defer fs.Close()

	require.EqualValues(t, 8192, fs.TotalClusters())

	require.NoError(t, Resize(fs, 16384, nil))
	assert.EqualValues(t, 16384, fs.TotalClusters())
	assert.Zero(t, fs.Super.TunefsInProgress)

	// Sum of bg_bits across every chain must cover the new size.
	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)
	var total uint32
	for _, c := range gb.dinode.ChainList.Chains {
		total += c.Total
	}
	assert.EqualValues(t, 16384, total)

	res, err := Fsck(fs, false, nil)
	require.NoError(t, err)
	assert.True(t, res.Clean(), "fsck problems: %v", res.Problems)
}

func TestResizeRefusesShrink(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	err := Resize(fs, fs.TotalClusters()-1, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestResizeBeyondDeviceRefused(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	err := Resize(fs, fs.TotalClusters()*10, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestResizeAllocatesFromNewSpace(t *testing.T) {
	dev := NewMemDevice(64 << 20)
	opts := FormatOptions{
		BlockSize:   4096,
		ClusterSize: 4096,
		Slots:       1,
		Features:    defaultTestFeatures(),
		TotalBlocks: 8192,
	}
	require.NoError(t, Format(dev, opts, nil))
	fs, err := OpenDeviceHandle(dev)
	require.NoError(t, err)
	defer fs.Close()

	freeBefore := globalFreeBits(t, fs)
	require.NoError(t, Resize(fs, 12288, nil))
	freeAfter := globalFreeBits(t, fs)
	assert.Greater(t, freeAfter, freeBefore)

	// The grown space is immediately allocatable.
	d, err := fs.AllocInode(0o644)
	require.NoError(t, err)
	require.NoError(t, WriteDinode(fs.Cache(), d))
	require.NoError(t, ExtendInode(fs, d, 2000))
}
