package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"hash/crc32"

	"github.com/pkg/errors"
)

// castagnoliTable is the CRC32C polynomial table used for every metadata
// block checksum (see DESIGN.md for the stdlib justification).
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// blockCheckLen is the size in bytes of the trailing "block_check" word
// every checksummed structure reserves immediately after its 8-byte
// signature: a 4-byte CRC32C plus a 2-byte single-bit-ECC plus 2 bytes of
// padding, matching the signature+check layout every on-disk metadata
// structure begins with.
const blockCheckLen = 8

// BlockCheck is the CRC32C + single-bit-ECC trailer carried by every
// checksummed metadata structure.
type BlockCheck struct {
	CRC32 uint32
	ECC   uint16
}

func putBlockCheck(buf []byte, off int, bc BlockCheck) {
	putUint32(buf[off:], bc.CRC32)
	putUint16(buf[off+4:], bc.ECC)
}

func getBlockCheck(buf []byte, off int) BlockCheck {
	return BlockCheck{CRC32: getUint32(buf[off:]), ECC: getUint16(buf[off+4:])}
}

// stampCheck zeroes the check word at off, computes CRC32C and the
// single-bit ECC over the whole buffer, and writes both back into the
// check word. Called immediately before a metadata block is submitted to
// the device so a torn or bit-flipped read is caught on the next probe.
func stampCheck(buf []byte, off int) {
	putBlockCheck(buf, off, BlockCheck{})
	crc := crc32.Checksum(buf, castagnoliTable)
	ecc := computeECC(buf)
	putBlockCheck(buf, off, BlockCheck{CRC32: crc, ECC: ecc})
}

// verifyCheck re-derives the checksum over buf with the check word at off
// zeroed and compares against what was stamped. It returns BadChecksumError
// on mismatch; callers supply blkno purely for the error message.
func verifyCheck(buf []byte, off int, blkno uint64) error {
	want := getBlockCheck(buf, off)
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	putBlockCheck(scratch, off, BlockCheck{})
	crc := crc32.Checksum(scratch, castagnoliTable)
	ecc := computeECC(scratch)
	if crc != want.CRC32 || ecc != want.ECC {
		return &BadChecksumError{Blkno: blkno}
	}
	return nil
}

// computeECC is a single-error-correcting parity computed as the XOR of the
// 1-indexed bit positions of every set bit in buf. Flipping exactly one bit
// changes the result by exactly that bit's own position, which is enough to
// both detect and (given a correction pass, not implemented here) locate
// the flipped bit; DESIGN.md records the choice of derivation.
func computeECC(buf []byte) uint16 {
	var parity uint32
	for i, b := range buf {
		if b == 0 {
			continue
		}
		base := uint32(i) * 8
		for bit := uint32(0); bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				parity ^= base + bit + 1
			}
		}
	}
	return uint16(parity)
}

// Cache is the block I/O layer: aligned reads/writes through a
// BlockDevice, with checksum verification on every metadata read and
// stamping on every metadata write. It keeps a small size-bounded
// write-back buffer so adjacent dirty blocks can be coalesced before
// submission, mirroring the teacher's device abstractions in
// pkg/vdecompiler/io.go (bounds-checked partial I/O with typed errors).
type Cache struct {
	dev       BlockDevice
	blockSize uint32
	dirty     map[uint64][]byte
	maxDirty  int
}

// NewCache wraps dev with the given block size. maxDirty bounds the
// write-back buffer in blocks; 0 disables write-back (every write goes
// straight through).
func NewCache(dev BlockDevice, blockSize uint32, maxDirty int) *Cache {
	return &Cache{dev: dev, blockSize: blockSize, dirty: make(map[uint64][]byte), maxDirty: maxDirty}
}

func (c *Cache) BlockSize() uint32 { return c.blockSize }

// ReadBlock reads one block into a freshly allocated buffer. Metadata
// checksum verification is the caller's responsibility (the metadata
// unmarshal functions run verifyCheck) since raw data blocks carry no
// check word.
func (c *Cache) ReadBlock(blkno uint64) ([]byte, error) {
	if buf, ok := c.dirty[blkno]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	buf := make([]byte, c.blockSize)
	off := int64(blkno) * int64(c.blockSize)
	n, err := c.dev.ReadAt(buf, off)
	if err != nil || n != len(buf) {
		return nil, errors.Wrapf(ErrIO, "read block %d: %v", blkno, err)
	}
	return buf, nil
}

// ReadBlocks reads n consecutive blocks starting at blkno into one buffer.
func (c *Cache) ReadBlocks(blkno uint64, n int) ([]byte, error) {
	buf := make([]byte, int(c.blockSize)*n)
	off := int64(blkno) * int64(c.blockSize)
	read, err := c.dev.ReadAt(buf, off)
	if err != nil || read != len(buf) {
		return nil, errors.Wrapf(ErrIO, "read %d blocks at %d: %v", n, blkno, err)
	}
	for i := 0; i < n; i++ {
		b := uint64(i) + blkno
		if dirty, ok := c.dirty[b]; ok {
			copy(buf[i*int(c.blockSize):(i+1)*int(c.blockSize)], dirty)
		}
	}
	return buf, nil
}

// WriteBlock stages buf for blkno. If the write-back buffer is disabled or
// full, it is submitted immediately. buf must be exactly one block.
func (c *Cache) WriteBlock(blkno uint64, buf []byte) error {
	if uint32(len(buf)) != c.blockSize {
		return errors.Wrapf(ErrInvalidArgument, "write block %d: buffer is %d bytes, want %d", blkno, len(buf), c.blockSize)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	if c.maxDirty == 0 {
		return c.submit(blkno, cp)
	}
	c.dirty[blkno] = cp
	if len(c.dirty) >= c.maxDirty {
		return c.Flush()
	}
	return nil
}

func (c *Cache) submit(blkno uint64, buf []byte) error {
	off := int64(blkno) * int64(c.blockSize)
	n, err := c.dev.WriteAt(buf, off)
	if err != nil || n != len(buf) {
		return errors.Wrapf(ErrIO, "write block %d: %v", blkno, err)
	}
	return nil
}

// Flush coalesces and submits every dirty block, sorted by block number so
// adjacent writes land as contiguous device writes where possible.
func (c *Cache) Flush() error {
	if len(c.dirty) == 0 {
		return nil
	}
	blknos := make([]uint64, 0, len(c.dirty))
	for b := range c.dirty {
		blknos = append(blknos, b)
	}
	sortUint64s(blknos)
	for _, b := range blknos {
		if err := c.submit(b, c.dirty[b]); err != nil {
			return err
		}
		delete(c.dirty, b)
	}
	return c.dev.Sync()
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Close flushes outstanding writes and releases the underlying device.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.dev.Close()
}
