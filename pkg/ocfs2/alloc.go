package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"time"

	"github.com/pkg/errors"
)

// Suballocator growth and inode allocation: the inode and
// extent-block pools start empty at format time and grow one group at a
// time, each group drawing cl_cpg clusters from the global bitmap. The
// group's first block holds the descriptor, so a group of cl_cpg clusters
// yields cl_cpg*bpc - 1 allocatable blocks.

// suballocAllocBit allocates a bit from a, growing the allocator by one
// group when every chain is exhausted.
func (fs *Filesystem) suballocAllocBit(a *ChainAllocator) (gdBlkno, bit uint64, err error) {
	gdBlkno, bit, err = a.AllocBit()
	if errors.Is(err, ErrBitNotFound) {
		if gerr := fs.growSuballocator(a); gerr != nil {
			return 0, 0, gerr
		}
		gdBlkno, bit, err = a.AllocBit()
	}
	return gdBlkno, bit, err
}

// growSuballocator adds one group to a block suballocator, funded by the
// global cluster bitmap.
func (fs *Filesystem) growSuballocator(a *ChainAllocator) error {
	cl := a.dinode.ChainList
	cpg := uint32(cl.ClustersPerGroup)
	cluster, err := fs.AllocClusters(cpg)
	if err != nil {
		return err
	}
	gdBlkno := fs.ClusterToBlkno(uint64(cluster))
	bpc := fs.ClusterSize / fs.BlockSize()
	bits := cpg*bpc - 1
	if _, err := a.AddGroup(gdBlkno, bits, a.dinode.FSGeneration); err != nil {
		return err
	}
	a.dinode.Clusters += cpg
	a.dinode.Size += uint64(cpg) * uint64(fs.ClusterSize)
	// Descriptor first, then the chain pointer and counters, so a crash
	// leaves either the old state or a repairable intermediate.
	return a.Write()
}

func (fs *Filesystem) inodeAllocator(slot uint16) (*ChainAllocator, error) {
	blkno, err := fs.LookupSystemInode(SystemFileInodeAlloc, slot)
	if err != nil {
		return nil, err
	}
	return LoadChainAllocator(fs, blkno)
}

// AllocInode allocates a fresh dinode block from this slot's inode
// suballocator and returns a minimally initialized Dinode carrying its
// suballocator back-pointer, with Mode taken from mode and Links set to 1.
// The caller fills in the union payload, then writes it with WriteDinode.
func (fs *Filesystem) AllocInode(mode uint16) (*Dinode, error) {
	a, err := fs.inodeAllocator(fs.Slot)
	if err != nil {
		return nil, err
	}
	gdBlkno, bit, err := fs.suballocAllocBit(a)
	if err != nil {
		return nil, err
	}
	if err := a.Write(); err != nil {
		return nil, err
	}
	blkno, err := suballocBlkno(gdBlkno, bit)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	d := &Dinode{
		Blkno:        blkno,
		FSGeneration: a.dinode.FSGeneration,
		Generation:   a.dinode.FSGeneration ^ uint32(blkno),
		SuballocSlot: fs.Slot,
		SuballocBit:  uint16(bit),
		SuballocLoc:  gdBlkno,
		Mode:         mode,
		Links:        1,
		Flags:        FlagValid,
		CTime:        now,
		MTime:        now,
		ATime:        now,
	}
	return d, nil
}

// FreeInode returns d's block to the suballocator that issued it, located
// through the back-pointer stamped at alloc time. The block itself is not
// zeroed.
func (fs *Filesystem) FreeInode(d *Dinode) error {
	a, err := fs.inodeAllocator(d.SuballocSlot)
	if err != nil {
		return err
	}
	if err := a.FreeBit(d.SuballocLoc, uint64(d.SuballocBit)); err != nil {
		return err
	}
	return a.Write()
}
