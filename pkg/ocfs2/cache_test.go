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

func TestChecksumRoundTrip(t *testing.T) {
	buf := make([]byte, 4096)
	putSignature(buf, SignatureDinode)
	for i := 16; i < len(buf); i++ {
		buf[i] = byte(i * 7)
	}
	stampCheck(buf, 8)
	assert.NoError(t, verifyCheck(buf, 8, 42))

	// Rewriting an unchanged block must reproduce the identical image.
	cp := make([]byte, len(buf))
	copy(cp, buf)
	stampCheck(cp, 8)
	assert.Equal(t, buf, cp)
}

func TestChecksumDetectsFlip(t *testing.T) {
	buf := make([]byte, 4096)
	putSignature(buf, SignatureGroupDesc)
	stampCheck(buf, 8)

	buf[2000] ^= 0x10
	err := verifyCheck(buf, 8, 7)
	require.Error(t, err)
	var bad *BadChecksumError
	require.True(t, errors.As(err, &bad))
	assert.Equal(t, uint64(7), bad.Blkno)
}

func TestCacheWriteReadBack(t *testing.T) {
	dev := NewMemDevice(1 << 20)
	c := NewCache(dev, 4096, 8)

	in := make([]byte, 4096)
	for i := range in {
		in[i] = byte(i)
	}
	require.NoError(t, c.WriteBlock(5, in))

	// Dirty block is visible before the flush...
	out, err := c.ReadBlock(5)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// ...and identical on the device after it.
	require.NoError(t, c.Flush())
	out, err = c.ReadBlock(5)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, in, dev.Bytes()[5*4096:6*4096])
}

func TestCacheRejectsShortBuffer(t *testing.T) {
	c := NewCache(NewMemDevice(1<<20), 4096, 0)
	err := c.WriteBlock(0, make([]byte, 512))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestCacheReadBlocksMergesDirty(t *testing.T) {
	dev := NewMemDevice(1 << 20)
	c := NewCache(dev, 4096, 16)

	a := make([]byte, 4096)
	a[0] = 0xAA
	require.NoError(t, c.WriteBlock(3, a))

	buf, err := c.ReadBlocks(2, 3)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), buf[4096])
}
