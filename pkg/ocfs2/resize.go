package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/ocfs2-tools/ocfs2/pkg/elog"
	"github.com/pkg/errors"
)

// tunefsInProgressResize marks a mid-flight volume grow in the
// superblock's tunefs-in-progress word: set on the first metadata
// write, cleared by the final superblock write, so an interrupted resize
// is refused write access until rerun.
const tunefsInProgressResize uint32 = 1 << 0

// Resize grows the volume to newClusters. The tail of the new
// space is appended to the last cluster group up to cl_cpg, then whole new
// groups are linked into the chain allocator round-robin. Shrinking is
// refused.
func Resize(fs *Filesystem, newClusters uint64, log elog.View) error {
	gb, err := fs.GlobalBitmap()
	if err != nil {
		return err
	}
	oldClusters := uint64(gb.dinode.Clusters)
	if newClusters < oldClusters {
		return errors.Wrapf(ErrInvalidArgument, "cannot shrink from %d to %d clusters", oldClusters, newClusters)
	}
	if newClusters == oldClusters {
		return nil
	}
	devSize, err := fs.cache.dev.Size()
	if err != nil {
		return errors.Wrap(ErrIO, "stat device")
	}
	if newClusters*uint64(fs.ClusterSize) > uint64(devSize) {
		return errors.Wrapf(ErrInvalidArgument, "device holds only %d bytes", devSize)
	}

	if err := setTunefsInProgress(fs, tunefsInProgressResize); err != nil {
		return err
	}

	cl := gb.dinode.ChainList
	cpg := uint64(cl.ClustersPerGroup)

	var progress elog.Progress
	if log != nil {
		progress = log.NewProgress("Growing cluster groups", "clusters", int64(newClusters-oldClusters))
	}
	done := func(n uint64) {
		if progress != nil {
			progress.Increment(int64(n))
		}
	}

	grown := oldClusters
	// Top up the last (possibly short) group first.
	lastGroupBase := (oldClusters / cpg) * cpg
	if short := oldClusters - lastGroupBase; short > 0 && short < cpg {
		add := cpg - short
		if lastGroupBase+short+add > newClusters {
			add = newClusters - oldClusters
		}
		if add > 0 {
			gdBlkno, _, err := fs.locateClusterBit(gb, oldClusters-1)
			if err != nil {
				return err
			}
			g, err := gb.group(gdBlkno)
			if err != nil {
				return err
			}
			if err := growGroup(gb, g, uint32(add)); err != nil {
				return err
			}
			grown += add
			done(add)
		}
	}

	// Whole new groups, each descriptor on its first cluster.
	for grown < newClusters {
		bits := cpg
		if grown+bits > newClusters {
			bits = newClusters - grown
		}
		gdBlkno := fs.ClusterToBlkno(grown)
		g, err := gb.AddGroup(gdBlkno, uint32(bits), gb.dinode.FSGeneration)
		if err != nil {
			return err
		}
		// The descriptor consumes the group's first cluster.
		if err := (&groupBitmap{gd: g}).Set(0); err != nil {
			return err
		}
		g.FreeBitsCount--
		gb.chainFor(gdBlkno).Free--
		grown += bits
		done(bits)
	}

	gb.dinode.Clusters = uint32(newClusters)
	gb.dinode.Size = newClusters * uint64(fs.ClusterSize)
	// Groups land before the chain records and counters that point at
	// them.
	if err := gb.Write(); err != nil {
		return err
	}
	if progress != nil {
		progress.Finish(true)
	}
	return clearTunefsInProgress(fs)
}

// growGroup widens an existing tail group by add bits. The widened bitmap
// bits arrive free.
func growGroup(a *ChainAllocator, g *GroupDescriptor, add uint32) error {
	newBits := g.Bits + add
	newBytes := (int(newBits) + 7) / 8
	for len(g.Bitmap) < newBytes {
		g.Bitmap = append(g.Bitmap, 0)
	}
	g.Bits = newBits
	g.FreeBitsCount += add
	chain := a.chainFor(g.Blkno)
	chain.Free += add
	chain.Total += add
	a.markDirty(g.Blkno)
	return nil
}

func setTunefsInProgress(fs *Filesystem, flag uint32) error {
	fs.Super.TunefsInProgress |= flag
	return writeSuperblock(fs)
}

func clearTunefsInProgress(fs *Filesystem) error {
	fs.Super.TunefsInProgress = 0
	return writeSuperblock(fs)
}

// writeSuperblock re-marshals the superblock dinode in place, preserving
// the identity fields of the original.
func writeSuperblock(fs *Filesystem) error {
	d, err := ReadDinode(fs.cache, SuperBlockBlkno)
	if err != nil {
		return err
	}
	d.Superblock = fs.Super
	if err := WriteDinode(fs.cache, d); err != nil {
		return err
	}
	return fs.cache.Flush()
}
