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

func globalFreeBits(t *testing.T, fs *Filesystem) uint32 {
	t.Helper()
	gb, err := fs.GlobalBitmap()
	require.NoError(t, err)
	var free uint32
	for _, c := range gb.dinode.ChainList.Chains {
		free += c.Free
	}
	return free
}

func TestTruncateLogAppendAndFlush(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	// Allocate clusters, then push their free through the deferred log.
	start, err := fs.AllocClusters(6)
	require.NoError(t, err)
	freeAfterAlloc := globalFreeBits(t, fs)

	tl, err := LoadTruncateLog(fs, 0)
	require.NoError(t, err)
	require.NoError(t, tl.Append(start, 6))
	assert.Equal(t, uint16(1), tl.Used())

	// Nothing returns to the allocator until the sweep.
	assert.Equal(t, freeAfterAlloc, globalFreeBits(t, fs))

	require.NoError(t, tl.Flush())
	assert.Zero(t, tl.Used())
	assert.Equal(t, freeAfterAlloc+6, globalFreeBits(t, fs))
}

func TestTruncateLogCoalescesAdjacent(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	tl, err := LoadTruncateLog(fs, 1)
	require.NoError(t, err)
	require.NoError(t, tl.Append(100, 5))
	require.NoError(t, tl.Append(105, 3))
	assert.Equal(t, uint16(1), tl.Used())
	assert.Equal(t, uint32(8), tl.dinode.TruncateLog.Records[0].ClusterCount)
}

func TestTruncateLogRejectsCorruptRecords(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	tl, err := LoadTruncateLog(fs, 2)
	require.NoError(t, err)

	// Beyond the volume end.
	tl.dinode.TruncateLog.Records = []TruncateLogRecord{{StartCluster: 1 << 30, ClusterCount: 1}}
	tl.dinode.TruncateLog.Used = 1
	err = tl.Flush()
	assert.True(t, errors.Is(err, ErrCorruptAllocator))

	// u32 wrap.
	tl.dinode.TruncateLog.Records = []TruncateLogRecord{{StartCluster: 100, ClusterCount: ^uint32(0)}}
	err = tl.Flush()
	assert.True(t, errors.Is(err, ErrCorruptAllocator))
}
