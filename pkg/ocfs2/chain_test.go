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

func TestChainAllocFreeIdempotent(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)

	// Snapshot the chosen chain's record and its head group before the
	// round trip.
	idx := gb.mostFreeChain()
	require.GreaterOrEqual(t, idx, 0)
	before := gb.dinode.ChainList.Chains[idx]
	headBefore, err := gb.group(before.Blkno)
	require.NoError(t, err)
	imgBefore := marshalGroupDescriptor(headBefore, fs.BlockSize())

	gdBlkno, bit, err := gb.AllocBit()
	require.NoError(t, err)
	require.NoError(t, gb.FreeBit(gdBlkno, bit))

	after := gb.dinode.ChainList.Chains[idx]
	assert.Equal(t, before, after)

	headAfter, err := gb.group(before.Blkno)
	require.NoError(t, err)
	imgAfter := marshalGroupDescriptor(headAfter, fs.BlockSize())
	assert.Equal(t, imgBefore, imgAfter)
}

func TestChainDoubleFreeIsCorrupt(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)
	gdBlkno, bit, err := gb.AllocBit()
	require.NoError(t, err)
	require.NoError(t, gb.FreeBit(gdBlkno, bit))
	err = gb.FreeBit(gdBlkno, bit)
	assert.True(t, errors.Is(err, ErrCorruptAllocator))
}

func TestChainAllocRange(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)

	gdBlkno, start, count, err := gb.AllocRange(10, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), count)
	for i := uint64(0); i < 10; i++ {
		set, err := gb.TestBit(gdBlkno, start+i)
		require.NoError(t, err)
		assert.True(t, set)
	}
}

func TestChainAllocAccountsFreeBits(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)

	var freeBefore uint32
	for _, c := range gb.dinode.ChainList.Chains {
		freeBefore += c.Free
	}
	_, _, _, err = gb.AllocRange(25, 25)
	require.NoError(t, err)
	var freeAfter uint32
	for _, c := range gb.dinode.ChainList.Chains {
		freeAfter += c.Free
	}
	assert.Equal(t, freeBefore-25, freeAfter)
}

func TestSuballocatorGrowsOnDemand(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	// The extent-block pool starts empty; the first allocation has to
	// pull a group from the cluster allocator.
	blkno, gdBlkno, bit, err := fs.AllocExtentBlock()
	require.NoError(t, err)
	assert.NotZero(t, blkno)
	self, err := suballocBlkno(gdBlkno, bit)
	require.NoError(t, err)
	assert.Equal(t, blkno, self)

	a, err := fs.extentBlockAllocator()
	require.NoError(t, err)
	assert.NotZero(t, a.dinode.ChainList.NextFreeRec)
}

func TestSuballocatorGrowsPastFullGroup(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	// Each growth increment yields a handful of bits; allocating well
	// past that must keep growing, not report corruption once the first
	// group fills.
	groupBits := suballocClustersPerGroup*(fs.ClusterSize/fs.BlockSize()) - 1
	n := int(groupBits)*2 + 1
	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		blkno, _, _, err := fs.AllocExtentBlock()
		require.NoError(t, err, "allocation %d", i)
		assert.False(t, seen[blkno], "block %d handed out twice", blkno)
		seen[blkno] = true
	}

	a, err := fs.extentBlockAllocator()
	require.NoError(t, err)
	groups := 0
	for _, c := range a.dinode.ChainList.Chains {
		b := c.Blkno
		for b != 0 {
			g, err := a.group(b)
			require.NoError(t, err)
			groups++
			b = g.NextGroup
		}
	}
	assert.GreaterOrEqual(t, groups, 3)
}
