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

func newFileInode(t *testing.T, fs *Filesystem) *Dinode {
	t.Helper()
	d, err := fs.AllocInode(0o644)
	require.NoError(t, err)
	require.NoError(t, WriteDinode(fs.Cache(), d))
	return d
}

func TestExtentInsertAndGetBlock(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	d := newFileInode(t, fs)
	tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))

	require.NoError(t, tree.InsertExtent(0, 4, 1000, false))
	require.NoError(t, tree.InsertExtent(10, 2, 2000, false))

	phys, contig, _, err := tree.GetBlock(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), phys)
	assert.Equal(t, uint32(3), contig)

	// A hole between the extents reads back as physical 0.
	phys, _, _, err = tree.GetBlock(5)
	require.NoError(t, err)
	assert.Zero(t, phys)

	phys, _, _, err = tree.GetBlock(11)
	require.NoError(t, err)
	assert.Equal(t, uint64(2001), phys)
}

func TestExtentMergeContiguous(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	d := newFileInode(t, fs)
	tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))

	require.NoError(t, tree.InsertExtent(0, 4, 1000, false))
	require.NoError(t, tree.InsertExtent(4, 4, 1004, false))
	assert.Len(t, d.ExtentTree.Records, 1)
	assert.Equal(t, uint32(8), d.ExtentTree.Records[0].ClusterCount())

	// Different unwritten state blocks the merge.
	require.NoError(t, tree.InsertExtent(8, 4, 1008, true))
	assert.Len(t, d.ExtentTree.Records, 2)
	assert.True(t, d.ExtentTree.Records[1].IsUnwritten())
}

func TestExtentMergeKeepsRefcountedFlag(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	d := newFileInode(t, fs)
	tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))

	// Two contiguous refcounted extents merge into one record that is
	// still refcounted.
	require.NoError(t, tree.Insert(makeExtentRecord(0, 4, 1000, false).withRefcounted()))
	require.NoError(t, tree.Insert(makeExtentRecord(4, 4, 1004, false).withRefcounted()))
	require.Len(t, d.ExtentTree.Records, 1)
	assert.True(t, d.ExtentTree.Records[0].IsRefcounted())
	assert.Equal(t, uint32(8), d.ExtentTree.Records[0].ClusterCount())

	// A plain contiguous neighbor must not merge into a refcounted run.
	require.NoError(t, tree.Insert(makeExtentRecord(8, 4, 1008, false)))
	require.Len(t, d.ExtentTree.Records, 2)
	assert.True(t, d.ExtentTree.Records[0].IsRefcounted())
	assert.False(t, d.ExtentTree.Records[1].IsRefcounted())
}

func TestMergeForwardRefcounted(t *testing.T) {
	// Adjacent refcounted records fold together without dropping the flag.
	l := &ExtentList{Records: []ExtentRecord{
		makeExtentRecord(0, 4, 1000, false).withRefcounted(),
		makeExtentRecord(4, 4, 1004, false).withRefcounted(),
	}}
	mergeForward(l, 0)
	require.Len(t, l.Records, 1)
	assert.True(t, l.Records[0].IsRefcounted())
	assert.Equal(t, uint32(8), l.Records[0].ClusterCount())

	// Mismatched refcount state blocks the fold.
	l = &ExtentList{Records: []ExtentRecord{
		makeExtentRecord(0, 4, 1000, false).withRefcounted(),
		makeExtentRecord(4, 4, 1004, false),
	}}
	mergeForward(l, 0)
	assert.Len(t, l.Records, 2)
}

func TestExtentIterateOrdered(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	d := newFileInode(t, fs)
	tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))

	// Insert out of order; iteration must come back sorted by cpos.
	for _, cpos := range []uint32{40, 0, 20, 60, 10} {
		require.NoError(t, tree.InsertExtent(cpos, 2, uint64(10000+cpos*10), false))
	}
	var seen []uint32
	require.NoError(t, tree.Iterate(IterLeavesOnly, func(rec ExtentRecord, depth uint16) (bool, error) {
		seen = append(seen, rec.CPos)
		return false, nil
	}))
	assert.Equal(t, []uint32{0, 10, 20, 40, 60}, seen)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestExtentTreeDepthGrowth(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	d := newFileInode(t, fs)
	tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))

	// Far more discontiguous records than the root span can hold: the
	// tree must grow depth rather than fail.
	cap := extentListCapacity(extentListSpan(fs.BlockSize()))
	n := cap + 10
	for i := 0; i < n; i++ {
		cpos := uint32(i * 3)
		require.NoError(t, tree.InsertExtent(cpos, 1, uint64(50000+i*7), false))
	}
	assert.NotZero(t, d.ExtentTree.TreeDepth)

	var count int
	require.NoError(t, tree.Iterate(IterLeavesOnly, func(rec ExtentRecord, depth uint16) (bool, error) {
		count++
		return false, nil
	}))
	assert.Equal(t, n, count)
}

func TestTruncateReturnsClusters(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	d := newFileInode(t, fs)
	require.NoError(t, ExtendInode(fs, d, 100))
	assert.Equal(t, uint32(100), d.Clusters)

	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)
	var freeBefore uint32
	for _, c := range gb.dinode.ChainList.Chains {
		freeBefore += c.Free
	}

	require.NoError(t, TruncateInode(fs, d, 7))
	assert.Equal(t, uint32(7), d.Clusters)
	require.Len(t, d.ExtentTree.Records, 1)
	assert.Equal(t, uint32(7), d.ExtentTree.Records[0].ClusterCount())

	var freeAfter uint32
	for _, c := range gb.dinode.ChainList.Chains {
		freeAfter += c.Free
	}
	assert.Equal(t, freeBefore+93, freeAfter)
}

func TestTruncateToZeroResetsTree(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	d := newFileInode(t, fs)
	require.NoError(t, ExtendInode(fs, d, 10))
	require.NoError(t, TruncateInode(fs, d, 0))
	assert.Zero(t, d.Clusters)
	assert.Empty(t, d.ExtentTree.Records)
	assert.Zero(t, d.ExtentTree.TreeDepth)
}
