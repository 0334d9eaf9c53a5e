package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// Bitmap is the capability interface every allocator programs against
//: set/clear/test a bit, find
// the next zero or set bit from a position, and operate on ranges. The
// implementations are MemBitmap (in-memory scratch), groupBitmap (the
// bitmap of one group descriptor) and localBitmap (a local allocator's
// window). No implementation spans all the groups of a chain allocator as
// one address space; chain allocators address bits as (group, bit) pairs.
type Bitmap interface {
	Set(bit uint64) error
	Clear(bit uint64) error
	Test(bit uint64) (bool, error)
	FindNextZeroBit(start uint64) (uint64, error)
	FindNextSetBit(start uint64) (uint64, error)
	SetRange(start, count uint64) error
	ClearRange(start, count uint64) error
	Len() uint64
}

// MemBitmap is a flat in-memory bitmap, used for scratch accounting (e.g.
// mkfs computing the initial free-cluster map before any group descriptor
// exists) and for tests.
type MemBitmap struct {
	bits  []byte
	total uint64
}

// NewMemBitmap allocates a zeroed bitmap of totalBits bits.
func NewMemBitmap(totalBits uint64) *MemBitmap {
	return &MemBitmap{bits: make([]byte, (totalBits+7)/8), total: totalBits}
}

func (b *MemBitmap) Len() uint64 { return b.total }

func (b *MemBitmap) checkBit(bit uint64) error {
	if bit >= b.total {
		return errors.Wrapf(ErrInvalidBit, "bit %d out of range (total %d)", bit, b.total)
	}
	return nil
}

func (b *MemBitmap) Set(bit uint64) error {
	if err := b.checkBit(bit); err != nil {
		return err
	}
	b.bits[bit/8] |= 1 << (bit % 8)
	return nil
}

func (b *MemBitmap) Clear(bit uint64) error {
	if err := b.checkBit(bit); err != nil {
		return err
	}
	b.bits[bit/8] &^= 1 << (bit % 8)
	return nil
}

func (b *MemBitmap) Test(bit uint64) (bool, error) {
	if err := b.checkBit(bit); err != nil {
		return false, err
	}
	return b.bits[bit/8]&(1<<(bit%8)) != 0, nil
}

func (b *MemBitmap) FindNextZeroBit(start uint64) (uint64, error) {
	for i := start; i < b.total; i++ {
		set, err := b.Test(i)
		if err != nil {
			return 0, err
		}
		if !set {
			return i, nil
		}
	}
	return 0, errors.Wrap(ErrBitNotFound, "no zero bit found")
}

func (b *MemBitmap) FindNextSetBit(start uint64) (uint64, error) {
	for i := start; i < b.total; i++ {
		set, err := b.Test(i)
		if err != nil {
			return 0, err
		}
		if set {
			return i, nil
		}
	}
	return 0, errors.Wrap(ErrBitNotFound, "no set bit found")
}

func (b *MemBitmap) SetRange(start, count uint64) error {
	if start+count > b.total {
		return errors.Wrapf(ErrInvalidBit, "range [%d,%d) out of range (total %d)", start, start+count, b.total)
	}
	for i := start; i < start+count; i++ {
		_ = b.Set(i)
	}
	return nil
}

func (b *MemBitmap) ClearRange(start, count uint64) error {
	if start+count > b.total {
		return errors.Wrapf(ErrInvalidBit, "range [%d,%d) out of range (total %d)", start, start+count, b.total)
	}
	for i := start; i < start+count; i++ {
		_ = b.Clear(i)
	}
	return nil
}

// LongestZeroRun scans [start, limit) for the longest contiguous run of
// zero bits, returning its start and length. Used by alloc_range to
// satisfy "longest run in [min,max]" requests without spanning groups.
func LongestZeroRun(b Bitmap, start, limit uint64) (runStart, runLen uint64, err error) {
	var curStart, curLen, bestStart, bestLen uint64
	inRun := false
	for i := start; i < limit; i++ {
		set, terr := b.Test(i)
		if terr != nil {
			return 0, 0, terr
		}
		if !set {
			if !inRun {
				curStart = i
				inRun = true
			}
			curLen++
			if curLen > bestLen {
				bestStart, bestLen = curStart, curLen
			}
		} else {
			inRun = false
			curLen = 0
		}
	}
	return bestStart, bestLen, nil
}

// groupBitmap adapts one GroupDescriptor's raw bitmap bytes to Bitmap, used
// internally by the chain allocator's composite view.
type groupBitmap struct {
	gd *GroupDescriptor
}

func (g *groupBitmap) Len() uint64 { return uint64(g.gd.Bits) }

func (g *groupBitmap) checkBit(bit uint64) error {
	if bit >= uint64(g.gd.Bits) {
		return errors.Wrapf(ErrInvalidBit, "bit %d out of range (group has %d)", bit, g.gd.Bits)
	}
	return nil
}

func (g *groupBitmap) Set(bit uint64) error {
	if err := g.checkBit(bit); err != nil {
		return err
	}
	g.gd.Bitmap[bit/8] |= 1 << (bit % 8)
	return nil
}

func (g *groupBitmap) Clear(bit uint64) error {
	if err := g.checkBit(bit); err != nil {
		return err
	}
	g.gd.Bitmap[bit/8] &^= 1 << (bit % 8)
	return nil
}

func (g *groupBitmap) Test(bit uint64) (bool, error) {
	if err := g.checkBit(bit); err != nil {
		return false, err
	}
	return g.gd.Bitmap[bit/8]&(1<<(bit%8)) != 0, nil
}

func (g *groupBitmap) FindNextZeroBit(start uint64) (uint64, error) {
	for i := start; i < uint64(g.gd.Bits); i++ {
		set, _ := g.Test(i)
		if !set {
			return i, nil
		}
	}
	return 0, errors.Wrap(ErrBitNotFound, "group is full")
}

func (g *groupBitmap) FindNextSetBit(start uint64) (uint64, error) {
	for i := start; i < uint64(g.gd.Bits); i++ {
		set, _ := g.Test(i)
		if set {
			return i, nil
		}
	}
	return 0, errors.Wrap(ErrBitNotFound, "group is empty")
}

func (g *groupBitmap) SetRange(start, count uint64) error {
	for i := start; i < start+count; i++ {
		if err := g.Set(i); err != nil {
			return err
		}
	}
	return nil
}

func (g *groupBitmap) ClearRange(start, count uint64) error {
	for i := start; i < start+count; i++ {
		if err := g.Clear(i); err != nil {
			return err
		}
	}
	return nil
}
