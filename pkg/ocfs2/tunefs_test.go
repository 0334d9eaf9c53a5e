package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLabelPersists(t *testing.T) {
	fs, dev := newTestFS(t, defaultTestFeatures())

	require.NoError(t, SetLabel(fs, "renamed"))
	require.NoError(t, fs.Close())

	fs2, err := OpenDeviceHandle(dev)
	require.NoError(t, err)
	defer fs2.Close()
	assert.Equal(t, "renamed", fs2.Super.Label)
}

func TestSetUUIDChangesIdentity(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	old := fs.Super.UUID
	require.NoError(t, SetUUID(fs, [16]byte{}))
	assert.NotEqual(t, old, fs.Super.UUID)
}

func TestAddSlots(t *testing.T) {
	fs, dev := newTestFS(t, defaultTestFeatures())

	require.NoError(t, AddSlots(fs, 6, nil))
	assert.Equal(t, uint16(6), fs.Super.MaxSlots)
	require.NoError(t, fs.Close())

	fs2, err := OpenDeviceHandle(dev)
	require.NoError(t, err)
	defer fs2.Close()
	assert.Equal(t, uint16(6), fs2.Super.MaxSlots)
	for slot := uint16(4); slot < 6; slot++ {
		for _, base := range []string{
			SystemFileJournal, SystemFileLocalAlloc, SystemFileTruncateLog,
			SystemFileInodeAlloc, SystemFileExtentAlloc, SystemFileOrphanDir,
		} {
			_, err := fs2.LookupSystemInode(base, slot)
			assert.NoError(t, err, fmt.Sprintf("%s:%04d", base, slot))
		}
	}

	res, err := Fsck(fs2, false, nil)
	require.NoError(t, err)
	assert.True(t, res.Clean(), "fsck problems: %v", res.Problems)
}

func TestAddSlotsRefusesShrink(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()
	assert.Error(t, AddSlots(fs, 2, nil))
}

func TestEnableDisableFeature(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	require.NoError(t, EnableFeature(fs, "refcount", nil))
	assert.NotZero(t, fs.Super.IncompatFeatures&IncompatRefcountTree)

	require.NoError(t, DisableFeature(fs, "refcount", nil))
	assert.Zero(t, fs.Super.IncompatFeatures&IncompatRefcountTree)
}

func TestDisableFeatureWithDependentRefused(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	// unwritten (live) requires sparse.
	err := DisableFeature(fs, "sparse", nil)
	assert.Error(t, err)
	assert.NotZero(t, fs.Super.IncompatFeatures&IncompatSparseAlloc)
}

func TestEnableFeatureMissingDependency(t *testing.T) {
	dev := NewMemDevice(64 << 20)
	opts := FormatOptions{
		BlockSize:   4096,
		ClusterSize: 4096,
		Slots:       1,
		Features:    FeatureFlags{}, // no sparse
	}
	require.NoError(t, Format(dev, opts, nil))
	fs, err := OpenDeviceHandle(dev)
	require.NoError(t, err)
	defer fs.Close()

	assert.Error(t, EnableFeature(fs, "unwritten", nil))
}

func TestEnableQuotaFeatureCreatesSystemFile(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	_, err := fs.LookupSystemInode(SystemFileUserQuota, AnySlot)
	require.Error(t, err)

	require.NoError(t, EnableFeature(fs, "usrquota", nil))
	blkno, err := fs.LookupSystemInode(SystemFileUserQuota, AnySlot)
	require.NoError(t, err)
	assert.NotZero(t, blkno)

	q, err := OpenQuotaFile(fs, QuotaTypeUser)
	require.NoError(t, err)
	require.NoError(t, q.Set(&QuotaRecord{ID: 7, BlockHard: 1}))
}

func TestResizeJournals(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	blkno, err := fs.LookupSystemInode(SystemFileJournal, 0)
	require.NoError(t, err)
	d, err := ReadDinode(fs.Cache(), blkno)
	require.NoError(t, err)
	old := d.Clusters

	require.NoError(t, ResizeJournals(fs, old+16, nil))
	d, err = ReadDinode(fs.Cache(), blkno)
	require.NoError(t, err)
	assert.Equal(t, old+16, d.Clusters)

	require.NoError(t, ResizeJournals(fs, old, nil))
	d, err = ReadDinode(fs.Cache(), blkno)
	require.NoError(t, err)
	assert.Equal(t, old, d.Clusters)
}
