package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// Local allocator payload layout within the dinode union:
// la_bm_off(4) + la_bm_bits(4) + la_bits_set(4) + bitmap bytes.
const localAllocHeaderLen = 12

func encodeLocalAlloc(buf []byte, la *LocalAllocPayload) {
	putUint32(buf[0:], la.BitmapOffset)
	putUint32(buf[4:], la.BitmapBits)
	putUint32(buf[8:], la.BitsSet)
	copy(buf[localAllocHeaderLen:], la.Bitmap)
}

func decodeLocalAlloc(buf []byte) *LocalAllocPayload {
	la := &LocalAllocPayload{
		BitmapOffset: getUint32(buf[0:]),
		BitmapBits:   getUint32(buf[4:]),
		BitsSet:      getUint32(buf[8:]),
	}
	byteLen := (int(la.BitmapBits) + 7) / 8
	if localAllocHeaderLen+byteLen > len(buf) {
		byteLen = len(buf) - localAllocHeaderLen
	}
	la.Bitmap = append([]byte(nil), buf[localAllocHeaderLen:localAllocHeaderLen+byteLen]...)
	return la
}

// localAllocMaxBits is how many window bits fit in one dinode payload.
func localAllocMaxBits(blockSize uint32) uint32 {
	return uint32(int(blockSize)-dinodePayloadStart-localAllocHeaderLen) * 8
}

// LocalAlloc is a per-slot sliding window over the global cluster bitmap
//. The window's clusters are marked allocated in the global bitmap
// the moment the window is claimed; the embedded bitmap then tracks which
// of them this slot has actually handed out.
type LocalAlloc struct {
	fs     *Filesystem
	dinode *Dinode
}

// LoadLocalAlloc reads the local-alloc dinode for the given slot.
func LoadLocalAlloc(fs *Filesystem, slot uint16) (*LocalAlloc, error) {
	blkno, err := fs.LookupSystemInode(SystemFileLocalAlloc, slot)
	if err != nil {
		return nil, err
	}
	d, err := ReadDinode(fs.cache, blkno)
	if err != nil {
		return nil, err
	}
	if !d.IsLocalAlloc() || d.LocalAlloc == nil {
		return nil, errors.Wrapf(ErrInodeNotValid, "inode %d is not a local allocator", blkno)
	}
	return &LocalAlloc{fs: fs, dinode: d}, nil
}

func (la *LocalAlloc) payload() *LocalAllocPayload { return la.dinode.LocalAlloc }

// FreeBits reports how many window bits remain unallocated.
func (la *LocalAlloc) FreeBits() uint32 {
	p := la.payload()
	return p.BitmapBits - p.BitsSet
}

type localBitmap struct {
	p *LocalAllocPayload
}

func (b *localBitmap) Len() uint64 { return uint64(b.p.BitmapBits) }

func (b *localBitmap) checkBit(bit uint64) error {
	if bit >= b.Len() {
		return errors.Wrapf(ErrInvalidBit, "bit %d of %d", bit, b.Len())
	}
	return nil
}

func (b *localBitmap) Set(bit uint64) error {
	if err := b.checkBit(bit); err != nil {
		return err
	}
	b.p.Bitmap[bit/8] |= 1 << (bit % 8)
	return nil
}

func (b *localBitmap) Clear(bit uint64) error {
	if err := b.checkBit(bit); err != nil {
		return err
	}
	b.p.Bitmap[bit/8] &^= 1 << (bit % 8)
	return nil
}

func (b *localBitmap) Test(bit uint64) (bool, error) {
	if err := b.checkBit(bit); err != nil {
		return false, err
	}
	return b.p.Bitmap[bit/8]&(1<<(bit%8)) != 0, nil
}

func (b *localBitmap) FindNextZeroBit(start uint64) (uint64, error) {
	for bit := start; bit < b.Len(); bit++ {
		set, err := b.Test(bit)
		if err != nil {
			return 0, err
		}
		if !set {
			return bit, nil
		}
	}
	return 0, errors.Wrap(ErrBitNotFound, "window exhausted")
}

func (b *localBitmap) FindNextSetBit(start uint64) (uint64, error) {
	for bit := start; bit < b.Len(); bit++ {
		set, err := b.Test(bit)
		if err != nil {
			return 0, err
		}
		if set {
			return bit, nil
		}
	}
	return 0, errors.Wrap(ErrBitNotFound, "no set bit")
}

func (b *localBitmap) SetRange(start, count uint64) error {
	for i := uint64(0); i < count; i++ {
		if err := b.Set(start + i); err != nil {
			return err
		}
	}
	return nil
}

func (b *localBitmap) ClearRange(start, count uint64) error {
	for i := uint64(0); i < count; i++ {
		if err := b.Clear(start + i); err != nil {
			return err
		}
	}
	return nil
}

// AllocClusters hands out count contiguous clusters from the window,
// returning the absolute starting cluster. BitNotFound when the window
// cannot satisfy the request; the caller then moves the window.
func (la *LocalAlloc) AllocClusters(count uint32) (uint32, error) {
	p := la.payload()
	bm := &localBitmap{p: p}
	start, runLen, err := LongestZeroRun(bm, 0, uint64(p.BitmapBits))
	if err != nil || runLen < uint64(count) {
		return 0, errors.Wrapf(ErrBitNotFound, "window has no run of %d clusters", count)
	}
	if err := bm.SetRange(start, uint64(count)); err != nil {
		return 0, err
	}
	p.BitsSet += count
	if err := WriteDinode(la.fs.cache, la.dinode); err != nil {
		return 0, err
	}
	return p.BitmapOffset + uint32(start), nil
}

// MoveWindow returns the current window's unused clusters to the global
// bitmap and claims a fresh contiguous window of windowBits clusters. On a
// brand-new (empty) local allocator it just claims the first window.
func (la *LocalAlloc) MoveWindow(windowBits uint32) error {
	max := localAllocMaxBits(la.fs.BlockSize())
	if windowBits > max {
		windowBits = max
	}
	if err := la.returnUnused(); err != nil {
		return err
	}
	gb, err := la.fs.GlobalBitmap()
	if err != nil {
		return err
	}
	gdBlkno, start, got, err := gb.AllocRange(uint64(windowBits), uint64(windowBits))
	if err != nil {
		return err
	}
	if err := gb.Write(); err != nil {
		return err
	}
	abs, err := la.fs.absoluteClusterOf(gb, gdBlkno, start)
	if err != nil {
		return err
	}
	p := la.payload()
	p.BitmapOffset = uint32(abs)
	p.BitmapBits = uint32(got)
	p.BitsSet = 0
	p.Bitmap = make([]byte, (int(got)+7)/8)
	return WriteDinode(la.fs.cache, la.dinode)
}

// returnUnused gives every clear window bit back to the global bitmap.
func (la *LocalAlloc) returnUnused() error {
	p := la.payload()
	if p.BitmapBits == 0 {
		return nil
	}
	gb, err := la.fs.GlobalBitmap()
	if err != nil {
		return err
	}
	bm := &localBitmap{p: p}
	for bit := uint64(0); bit < uint64(p.BitmapBits); bit++ {
		set, err := bm.Test(bit)
		if err != nil {
			return err
		}
		if set {
			continue
		}
		if err := la.fs.freeOneClusterBit(gb, uint64(p.BitmapOffset)+bit); err != nil {
			return err
		}
	}
	return gb.Write()
}

// Recover handles the crashed-slot case: the set bits stay
// allocated in the global bitmap (the files they belonged to will be
// orphan-reaped), the clear bits are returned, and the window is dropped.
func (la *LocalAlloc) Recover() error {
	if err := la.returnUnused(); err != nil {
		return err
	}
	p := la.payload()
	p.BitmapOffset = 0
	p.BitmapBits = 0
	p.BitsSet = 0
	p.Bitmap = nil
	return WriteDinode(la.fs.cache, la.dinode)
}
