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

func TestMemBitmapBasics(t *testing.T) {
	b := NewMemBitmap(100)

	require.NoError(t, b.Set(3))
	require.NoError(t, b.Set(99))
	set, err := b.Test(3)
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, b.Clear(3))
	set, err = b.Test(3)
	require.NoError(t, err)
	assert.False(t, set)

	err = b.Set(100)
	assert.True(t, errors.Is(err, ErrInvalidBit))
	_, err = b.Test(200)
	assert.True(t, errors.Is(err, ErrInvalidBit))
}

func TestMemBitmapFind(t *testing.T) {
	b := NewMemBitmap(64)
	require.NoError(t, b.SetRange(0, 10))

	bit, err := b.FindNextZeroBit(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bit)

	bit, err = b.FindNextSetBit(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bit)

	require.NoError(t, b.ClearRange(0, 10))
	_, err = b.FindNextSetBit(0)
	assert.True(t, errors.Is(err, ErrBitNotFound))
}

func TestLongestZeroRun(t *testing.T) {
	b := NewMemBitmap(32)
	require.NoError(t, b.Set(4))
	require.NoError(t, b.Set(10))
	// Zero runs: [0,4) len 4, [5,10) len 5, [11,32) len 21.
	start, length, err := LongestZeroRun(b, 0, 32)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), start)
	assert.Equal(t, uint64(21), length)

	start, length, err = LongestZeroRun(b, 0, 11)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), start)
	assert.Equal(t, uint64(5), length)
}
