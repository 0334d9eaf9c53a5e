package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/ocfs2-tools/ocfs2/pkg/elog"
)

// FsckResult summarizes one check run: every problem found, and
// how many of them were repaired in place.
type FsckResult struct {
	Problems []string
	Fixed    int
}

func (r *FsckResult) Clean() bool { return len(r.Problems) == 0 }

func (r *FsckResult) report(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Fsck verifies the on-disk invariants over every structure reachable from
// the superblock, in dependency order: superblock sanity, chain
// allocators, extent trees, directory structure, then the per-slot
// truncate logs and local allocators. With repair set, counter drift is
// corrected in place; structural corruption is only ever reported.
func Fsck(fs *Filesystem, repair bool, log elog.View) (*FsckResult, error) {
	res := &FsckResult{}

	if err := fsckSuperblock(fs, res); err != nil {
		return res, err
	}
	if err := fsckAllocators(fs, res, repair, log); err != nil {
		return res, err
	}
	if err := fsckTrees(fs, res, log); err != nil {
		return res, err
	}
	if err := fsckDirectories(fs, res, log); err != nil {
		return res, err
	}
	if err := fsckSlots(fs, res, repair, log); err != nil {
		return res, err
	}
	return res, nil
}

func fsckSuperblock(fs *Filesystem, res *FsckResult) error {
	s := fs.Super
	if s.RootBlkno == 0 || s.SystemDirBlkno == 0 {
		res.report("superblock: missing root or system directory pointer")
	}
	if s.MaxSlots < 1 || s.MaxSlots > MaxSlots {
		res.report("superblock: implausible slot count %d", s.MaxSlots)
	}
	if s.TunefsInProgress != 0 {
		res.report("superblock: tunefs operation 0x%x was interrupted", s.TunefsInProgress)
	}
	if err := CheckSupported(FeatureFlags{Compat: s.CompatFeatures, Incompat: s.IncompatFeatures, RoCompat: s.RoCompatFeatures}); err != nil {
		res.report("superblock: %v", err)
	}
	return nil
}

// fsckAllocators re-derives every chain's c_free/c_total from its group
// walk and checks each descriptor's back-pointer and chain
// index.
func fsckAllocators(fs *Filesystem, res *FsckResult, repair bool, log elog.View) error {
	type allocRef struct {
		base string
		slot uint16
	}
	names := []allocRef{{SystemFileGlobalBitmap, AnySlot}, {SystemFileGlobalInodeAlloc, AnySlot}}
	for s := uint16(0); s < fs.Super.MaxSlots; s++ {
		names = append(names, allocRef{SystemFileInodeAlloc, s}, allocRef{SystemFileExtentAlloc, s})
	}

	for _, n := range names {
		blkno, err := fs.LookupSystemInode(n.base, n.slot)
		if err != nil {
			res.report("allocator %s:%d: not found in system directory", n.base, n.slot)
			continue
		}
		a, err := LoadChainAllocator(fs, blkno)
		if err != nil {
			res.report("allocator %s at %d: %v", n.base, blkno, err)
			continue
		}
		if log != nil {
			log.Debugf("checking allocator %s at block %d", n.base, blkno)
		}
		dirty := false
		for i := range a.dinode.ChainList.Chains {
			chain := &a.dinode.ChainList.Chains[i]
			var free, total uint32
			for b := chain.Blkno; b != 0; {
				g, err := a.group(b)
				if err != nil {
					res.report("allocator %d chain %d: unreadable group at %d: %v", blkno, i, b, err)
					break
				}
				if g.ParentDinode != blkno {
					res.report("group %d: parent back-pointer %d, want %d", b, g.ParentDinode, blkno)
				}
				if int(g.Chain) != i {
					res.report("group %d: claims chain %d but linked from chain %d", b, g.Chain, i)
				}
				var bmFree uint32
				for bit := uint64(0); bit < uint64(g.Bits); bit++ {
					set, _ := (&groupBitmap{gd: g}).Test(bit)
					if !set {
						bmFree++
					}
				}
				if bmFree != g.FreeBitsCount {
					res.report("group %d: bg_free_bits_count %d but bitmap has %d clear", b, g.FreeBitsCount, bmFree)
					if repair {
						g.FreeBitsCount = bmFree
						a.markDirty(b)
						dirty = true
						res.Fixed++
					}
				}
				free += g.FreeBitsCount
				total += g.Bits
				b = g.NextGroup
			}
			if chain.Free != free || chain.Total != total {
				res.report("allocator %d chain %d: record (%d free/%d total), groups sum (%d/%d)",
					blkno, i, chain.Free, chain.Total, free, total)
				if repair {
					chain.Free = free
					chain.Total = total
					dirty = true
					res.Fixed++
				}
			}
		}
		if dirty {
			if err := a.Write(); err != nil {
				return err
			}
		}
	}
	return nil
}

// fsckTrees validates record ordering and cluster accounting on every extent-bearing inode
// reachable from the root and system directories.
func fsckTrees(fs *Filesystem, res *FsckResult, log elog.View) error {
	return forEachInode(fs, func(name string, d *Dinode) error {
		if d.ExtentTree == nil || d.IsChainAlloc() || d.IsSuperblock() || d.IsLocalAlloc() || d.IsInlineData() {
			return nil
		}
		tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))
		var lastEnd uint32
		var sum uint32
		err := tree.Iterate(IterLeavesOnly, func(rec ExtentRecord, depth uint16) (bool, error) {
			if rec.IsTail() {
				return false, nil
			}
			if rec.CPos < lastEnd {
				res.report("inode %d (%s): extent at cpos %d overlaps previous end %d", d.Blkno, name, rec.CPos, lastEnd)
			}
			lastEnd = rec.CPos + rec.ClusterCount()
			sum += rec.ClusterCount()
			return false, nil
		})
		if err != nil {
			res.report("inode %d (%s): extent walk failed: %v", d.Blkno, name, err)
			return nil
		}
		if sum != d.Clusters {
			res.report("inode %d (%s): i_clusters %d but leaf records sum to %d", d.Blkno, name, d.Clusters, sum)
		}
		return nil
	})
}

// fsckDirectories runs check-directory over every directory block
// and verifies "." / ".." lead the first block.
func fsckDirectories(fs *Filesystem, res *FsckResult, log elog.View) error {
	return forEachInode(fs, func(name string, d *Dinode) error {
		if !d.IsDir() {
			return nil
		}
		dir, err := OpenDirectory(fs, d)
		if err != nil {
			res.report("inode %d (%s): %v", d.Blkno, name, err)
			return nil
		}
		if !d.IsInlineData() && d.Size%uint64(fs.BlockSize()) != 0 {
			res.report("directory %d (%s): i_size %d not block-aligned", d.Blkno, name, d.Size)
		}
		first := true
		var prev string
		err = dir.Iterate(func(e DirEntry) bool {
			if first {
				if e.Name != "." {
					res.report("directory %d (%s): first entry %q, want \".\"", d.Blkno, name, e.Name)
				}
				first = false
			} else if prev == "." && e.Name != ".." {
				res.report("directory %d (%s): second entry %q, want \"..\"", d.Blkno, name, e.Name)
			}
			prev = e.Name
			return true
		})
		if err != nil {
			res.report("directory %d (%s): %v", d.Blkno, name, err)
		}
		return nil
	})
}

// fsckSlots replays each slot's truncate log bounds check and flags local
// alloc windows left over from a crash.
func fsckSlots(fs *Filesystem, res *FsckResult, repair bool, log elog.View) error {
	for s := uint16(0); s < fs.Super.MaxSlots; s++ {
		tl, err := LoadTruncateLog(fs, s)
		if err != nil {
			res.report("slot %d: truncate log: %v", s, err)
			continue
		}
		vol := fs.TotalClusters()
		for _, r := range tl.dinode.TruncateLog.Records {
			if uint64(r.StartCluster) >= vol || r.StartCluster+r.ClusterCount < r.StartCluster {
				res.report("slot %d: corrupt truncate log record at cluster %d", s, r.StartCluster)
			}
		}
		if tl.Used() > 0 && repair {
			if err := tl.Flush(); err != nil {
				res.report("slot %d: truncate log replay: %v", s, err)
			} else {
				res.Fixed++
			}
		}

		la, err := LoadLocalAlloc(fs, s)
		if err != nil {
			res.report("slot %d: local alloc: %v", s, err)
			continue
		}
		if la.payload().BitmapBits != 0 {
			res.report("slot %d: local alloc window of %d bits left open", s, la.payload().BitmapBits)
			if repair {
				if err := la.Recover(); err != nil {
					res.report("slot %d: local alloc recovery: %v", s, err)
				} else {
					res.Fixed++
				}
			}
		}
	}
	return nil
}

// forEachInode visits every inode reachable by name from the system and
// root directories (one level: OCFS2 tools create no nested hierarchy
// below those without also linking it from one of them).
func forEachInode(fs *Filesystem, cb func(name string, d *Dinode) error) error {
	for _, dirBlk := range []uint64{fs.Super.SystemDirBlkno, fs.Super.RootBlkno} {
		d, err := ReadDinode(fs.cache, dirBlk)
		if err != nil {
			return err
		}
		if err := cb(fmt.Sprintf("dir %d", dirBlk), d); err != nil {
			return err
		}
		dir, err := OpenDirectory(fs, d)
		if err != nil {
			continue
		}
		type ent struct {
			name  string
			blkno uint64
		}
		var ents []ent
		_ = dir.Iterate(func(e DirEntry) bool {
			if e.Name == "." || e.Name == ".." {
				return true
			}
			ents = append(ents, ent{e.Name, e.Inode})
			return true
		})
		for _, e := range ents {
			child, err := ReadDinode(fs.cache, e.blkno)
			if err != nil {
				if cerr := cb(e.name, &Dinode{Blkno: e.blkno}); cerr != nil {
					return cerr
				}
				continue
			}
			if err := cb(e.name, child); err != nil {
				return err
			}
		}
	}
	return nil
}
