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

func TestRefcountShareAndRelease(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	// A 5-cluster extent shared between two inodes.
	inodeA := newFileInode(t, fs)
	inodeB := newFileInode(t, fs)
	start, err := fs.AllocClusters(5)
	require.NoError(t, err)

	rt, err := CreateRefcountTree(fs)
	require.NoError(t, err)
	require.NoError(t, rt.Attach(inodeA))
	require.NoError(t, rt.Attach(inodeB))
	assert.Equal(t, uint32(2), rt.Referents())
	assert.True(t, inodeA.HasRefcount())
	assert.Equal(t, rt.RootBlkno(), inodeA.Refcount.Blkno)

	// First referent records the range, second bumps the count.
	require.NoError(t, rt.ChangeRefcount(start, 5, 1))
	require.NoError(t, rt.ChangeRefcount(start, 5, 1))
	count, err := rt.Lookup(start + 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)

	freeBefore := globalFreeBits(t, fs)

	// One side lets go: count drops, clusters stay allocated.
	require.NoError(t, rt.ChangeRefcount(start, 5, -1))
	count, err = rt.Lookup(start)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
	assert.Equal(t, freeBefore, globalFreeBits(t, fs))

	// Last reference: record goes, clusters return to the allocator.
	require.NoError(t, rt.ChangeRefcount(start, 5, -1))
	count, err = rt.Lookup(start)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, freeBefore+5, globalFreeBits(t, fs))
}

func TestRefcountSplitOnPartialChange(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	rt, err := CreateRefcountTree(fs)
	require.NoError(t, err)

	require.NoError(t, rt.ChangeRefcount(100, 10, 2))
	// Bump only the middle: the record must split into three.
	require.NoError(t, rt.ChangeRefcount(103, 4, 1))

	for cpos, want := range map[uint32]uint32{100: 2, 103: 3, 106: 3, 107: 2} {
		got, err := rt.Lookup(cpos)
		require.NoError(t, err)
		assert.Equal(t, want, got, "cpos %d", cpos)
	}

	recs, _, err := rt.records()
	require.NoError(t, err)
	// No two records overlap, and adjacent equal counts are merged.
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i].CPos, recs[i-1].CPos+recs[i-1].Clusters)
		if recs[i].CPos == recs[i-1].CPos+recs[i-1].Clusters {
			assert.NotEqual(t, recs[i-1].Count, recs[i].Count)
		}
	}
}

func TestRefcountDetachAndTruncate(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	inode := newFileInode(t, fs)
	start, err := fs.AllocClusters(3)
	require.NoError(t, err)

	rt, err := CreateRefcountTree(fs)
	require.NoError(t, err)
	require.NoError(t, rt.Attach(inode))
	require.NoError(t, rt.ChangeRefcount(start, 3, 1))

	freeBefore := globalFreeBits(t, fs)
	require.NoError(t, rt.Detach(inode))
	assert.False(t, inode.HasRefcount())
	require.NoError(t, rt.Truncate())
	assert.Equal(t, freeBefore+3, globalFreeBits(t, fs))
}

func TestRefcountRootRoundTrip(t *testing.T) {
	root := &RefcountRoot{
		Blkno:    77,
		Inline:   true,
		RefCount: 3,
		InlineRecs: []RefcountRecord{
			{CPos: 10, Clusters: 4, Count: 2},
			{CPos: 50, Clusters: 1, Count: 7},
		},
	}
	buf := marshalRefcountRoot(root, 4096)
	got, err := unmarshalRefcountRoot(buf)
	require.NoError(t, err)
	assert.Equal(t, root.Blkno, got.Blkno)
	assert.Equal(t, root.RefCount, got.RefCount)
	assert.Equal(t, root.InlineRecs, got.InlineRecs)
}
