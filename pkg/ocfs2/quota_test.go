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

func quotaFeatures() FeatureFlags {
	f := defaultTestFeatures()
	f.RoCompat |= RoCompatUsrQuota | RoCompatGrpQuota
	return f
}

func TestQuotaSetLookup(t *testing.T) {
	fs, _ := newTestFS(t, quotaFeatures())
	defer fs.Close()

	q, err := OpenQuotaFile(fs, QuotaTypeUser)
	require.NoError(t, err)

	rec := &QuotaRecord{ID: 1000, InodeHard: 500, BlockSoft: 1 << 20, BlockHard: 2 << 20, BlockCount: 12345}
	require.NoError(t, q.Set(rec))

	got, err := q.Lookup(1000)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = q.Lookup(2000)
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestQuotaScan(t *testing.T) {
	fs, _ := newTestFS(t, quotaFeatures())
	defer fs.Close()

	q, err := OpenQuotaFile(fs, QuotaTypeGroup)
	require.NoError(t, err)

	ids := []uint32{5, 77, 1000, 65537}
	for _, id := range ids {
		require.NoError(t, q.Set(&QuotaRecord{ID: id, BlockHard: uint64(id) * 10}))
	}

	seen := map[uint32]uint64{}
	require.NoError(t, q.Scan(func(r *QuotaRecord) bool {
		seen[r.ID] = r.BlockHard
		return true
	}))
	require.Len(t, seen, len(ids))
	for _, id := range ids {
		assert.Equal(t, uint64(id)*10, seen[id])
	}
}

func TestQuotaSurvivesReopen(t *testing.T) {
	fs, dev := newTestFS(t, quotaFeatures())

	q, err := OpenQuotaFile(fs, QuotaTypeUser)
	require.NoError(t, err)
	require.NoError(t, q.Set(&QuotaRecord{ID: 42, InodeHard: 9}))
	require.NoError(t, fs.Close())

	fs2, err := OpenDeviceHandle(dev)
	require.NoError(t, err)
	defer fs2.Close()
	q2, err := OpenQuotaFile(fs2, QuotaTypeUser)
	require.NoError(t, err)
	got, err := q2.Lookup(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.InodeHard)
}
