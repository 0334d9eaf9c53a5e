package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFS formats a 64 MiB in-memory volume and reopens it through the
// regular probe path.
func newTestFS(t *testing.T, features FeatureFlags) (*Filesystem, *MemDevice) {
	t.Helper()
	dev := NewMemDevice(64 << 20)
	opts := FormatOptions{
		BlockSize:   4096,
		ClusterSize: 4096,
		Slots:       4,
		Label:       "testvol",
		Features:    features,
	}
	require.NoError(t, Format(dev, opts, nil))
	fs, err := OpenDeviceHandle(dev)
	require.NoError(t, err)
	return fs, dev
}

func defaultTestFeatures() FeatureFlags {
	return FeatureFlags{Incompat: IncompatSparseAlloc | IncompatInlineData, RoCompat: RoCompatUnwritten}
}

func TestFormatThenOpen(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	assert.Equal(t, uint32(4096), fs.BlockSize())
	assert.Equal(t, uint32(4096), fs.ClusterSize)
	assert.Equal(t, uint16(4), fs.Super.MaxSlots)
	assert.Equal(t, "testvol", fs.Super.Label)
	assert.Equal(t, IncompatSparseAlloc|IncompatInlineData, fs.Super.IncompatFeatures)
	assert.Equal(t, RoCompatUnwritten, fs.Super.RoCompatFeatures)
	assert.NotZero(t, fs.Super.RootBlkno)
	assert.NotZero(t, fs.Super.SystemDirBlkno)
}

func TestFormatSystemDirCensus(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	sysDir, err := ReadDinode(fs.Cache(), fs.Super.SystemDirBlkno)
	require.NoError(t, err)
	dir, err := OpenDirectory(fs, sysDir)
	require.NoError(t, err)

	names := map[string]bool{}
	require.NoError(t, dir.Iterate(func(e DirEntry) bool {
		names[e.Name] = true
		return true
	}))

	for _, global := range []string{
		SystemFileGlobalBitmap, SystemFileGlobalInodeAlloc,
		SystemFileSlotMap, SystemFileHeartbeat,
	} {
		assert.True(t, names[global], "missing %s", global)
	}
	for slot := 0; slot < 4; slot++ {
		for _, base := range []string{
			SystemFileJournal, SystemFileLocalAlloc, SystemFileTruncateLog,
			SystemFileInodeAlloc, SystemFileExtentAlloc, SystemFileOrphanDir,
		} {
			name := fmt.Sprintf("%s:%04d", base, slot)
			assert.True(t, names[name], "missing %s", name)
		}
	}
	// No slot 4 entries for a 4-slot volume.
	assert.False(t, names["journal:0004"])
}

func TestFormatBackPointers(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	// Every system inode's suballocator back-pointer must resolve to a
	// set bit in the group that issued it.
	sysDir, err := ReadDinode(fs.Cache(), fs.Super.SystemDirBlkno)
	require.NoError(t, err)
	dir, err := OpenDirectory(fs, sysDir)
	require.NoError(t, err)

	type ent struct {
		name  string
		blkno uint64
	}
	var ents []ent
	require.NoError(t, dir.Iterate(func(e DirEntry) bool {
		if e.Name != "." && e.Name != ".." {
			ents = append(ents, ent{e.Name, e.Inode})
		}
		return true
	}))
	require.NotEmpty(t, ents)

	for _, e := range ents {
		d, err := ReadDinode(fs.Cache(), e.blkno)
		require.NoError(t, err, e.name)
		g, err := readGroupDescriptor(fs.Cache(), d.SuballocLoc)
		require.NoError(t, err, e.name)
		set, err := (&groupBitmap{gd: g}).Test(uint64(d.SuballocBit))
		require.NoError(t, err, e.name)
		assert.True(t, set, "%s: bit %d clear in group %d", e.name, d.SuballocBit, d.SuballocLoc)
		self, err := suballocBlkno(d.SuballocLoc, uint64(d.SuballocBit))
		require.NoError(t, err)
		assert.Equal(t, e.blkno, self, "%s: back-pointer does not resolve to the inode", e.name)
	}
}

func TestFormatFsckClean(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	res, err := Fsck(fs, false, nil)
	require.NoError(t, err)
	assert.True(t, res.Clean(), "fsck problems: %v", res.Problems)
}

func TestFormatRejectsBadGeometry(t *testing.T) {
	dev := NewMemDevice(1 << 20)
	err := Format(dev, FormatOptions{BlockSize: 1000, ClusterSize: 4096, Slots: 1}, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	err = Format(dev, FormatOptions{BlockSize: 4096, ClusterSize: 2048, Slots: 1}, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	err = Format(dev, FormatOptions{BlockSize: 4096, ClusterSize: 4096, Slots: 0}, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestOpenRejectsBlankDevice(t *testing.T) {
	dev := NewMemDevice(8 << 20)
	_, err := OpenDeviceHandle(dev)
	assert.True(t, errors.Is(err, ErrNotOcfs2))
}

func TestOpenRejectsOcfs1(t *testing.T) {
	dev := NewMemDevice(8 << 20)
	copy(dev.Bytes(), []byte(SignatureOcfs1))
	_, err := OpenDeviceHandle(dev)
	assert.True(t, errors.Is(err, ErrIsOcfs1))
}
