package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/google/uuid"
	"github.com/ocfs2-tools/ocfs2/pkg/elog"
	"github.com/pkg/errors"
)

// Tunefs operations: each mutates one aspect of an open, exclusive
// filesystem and writes the superblock last. Callers hold the super lock
// while any of these run on a shared device.

const tunefsInProgressFeature uint32 = 1 << 1

// SetLabel rewrites the volume label.
func SetLabel(fs *Filesystem, label string) error {
	if len(label) > sbLabelLen {
		return errors.Wrapf(ErrInvalidArgument, "label longer than %d bytes", sbLabelLen)
	}
	fs.Super.Label = label
	return writeSuperblock(fs)
}

// SetUUID stamps a fresh (or caller-provided) volume UUID; used on cloned
// volumes so two copies never answer to the same DLM domain.
func SetUUID(fs *Filesystem, u uuid.UUID) error {
	if u == (uuid.UUID{}) {
		u = uuid.New()
	}
	copy(fs.Super.UUID[:], u[:])
	copy(fs.UUID[:], u[:])
	return writeSuperblock(fs)
}

// AddSlots grows the per-slot system inode census from the current count
// to newSlots, creating each new slot's six files and linking them into
// the system directory.
func AddSlots(fs *Filesystem, newSlots uint16, log elog.View) error {
	cur := fs.Super.MaxSlots
	if newSlots <= cur {
		return errors.Wrapf(ErrInvalidArgument, "slot count %d does not grow the current %d", newSlots, cur)
	}
	if newSlots > MaxSlots {
		return errors.Wrapf(ErrInvalidArgument, "%d slots", newSlots)
	}
	if err := setTunefsInProgress(fs, tunefsInProgressFeature); err != nil {
		return err
	}
	sysDirInode, err := ReadDinode(fs.cache, fs.Super.SystemDirBlkno)
	if err != nil {
		return err
	}

	bpc := fs.ClusterSize / fs.BlockSize()
	for slot := cur; slot < newSlots; slot++ {
		if log != nil {
			log.Infof("populating slot %d", slot)
		}
		files := []struct {
			base  string
			flags uint32
			ftype uint8
		}{
			{SystemFileExtentAlloc, FlagSystem | FlagChain, FTypeFile},
			{SystemFileInodeAlloc, FlagSystem | FlagChain, FTypeFile},
			{SystemFileJournal, FlagSystem | FlagJournal, FTypeFile},
			{SystemFileLocalAlloc, FlagSystem | FlagLocalAlloc, FTypeFile},
			{SystemFileTruncateLog, FlagSystem | flagTruncateLog, FTypeFile},
			{SystemFileOrphanDir, FlagSystem | FlagDir | FlagOrphan, FTypeDir},
		}
		for _, spec := range files {
			d, err := fs.AllocInode(0)
			if err != nil {
				return err
			}
			d.Flags |= spec.flags
			switch spec.base {
			case SystemFileExtentAlloc, SystemFileInodeAlloc:
				d.ChainList = &ChainList{
					ClustersPerGroup: suballocClustersPerGroup,
					BitsPerCluster:   uint8(bpc),
					Count:            uint16(chainListCapacity(fs.BlockSize())),
				}
			case SystemFileJournal:
				cluster, err := fs.AllocClusters(defaultJournalClusters(fs.TotalClusters()))
				if err != nil {
					return err
				}
				tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))
				n := defaultJournalClusters(fs.TotalClusters())
				if err := tree.InsertExtent(0, n, fs.ClusterToBlkno(uint64(cluster)), false); err != nil {
					return err
				}
				d.Clusters = n
				d.Size = uint64(n) * uint64(fs.ClusterSize)
			case SystemFileLocalAlloc:
				d.LocalAlloc = &LocalAllocPayload{}
			case SystemFileTruncateLog:
				d.TruncateLog = &TruncateLogPayload{Count: truncateLogCapacity(fs.BlockSize())}
			case SystemFileOrphanDir:
				if err := InitRootDirectory(fs, d, d.Blkno); err != nil {
					return err
				}
			}
			if err := WriteDinode(fs.cache, d); err != nil {
				return err
			}
			if err := fs.LinkSystemInode(sysDirInode, spec.base, slot, d.Blkno, spec.ftype); err != nil {
				return err
			}
		}
	}
	fs.Super.MaxSlots = newSlots
	return clearTunefsInProgress(fs)
}

// EnableFeature turns one feature token on, running its bespoke on-disk
// migration before the superblock flag flips.
func EnableFeature(fs *Filesystem, name string, log elog.View) error {
	ft := featureByName(name)
	if ft == nil {
		return &UnsupportedFeatureError{Name: name}
	}
	cur := FeatureFlags{
		Compat:   fs.Super.CompatFeatures,
		Incompat: fs.Super.IncompatFeatures,
		RoCompat: fs.Super.RoCompatFeatures,
	}
	for _, req := range ft.requires {
		if !cur.Has(featureByName(req).flags) {
			return &UnsupportedFeatureError{Name: name + " requires " + req}
		}
	}
	if cur.Has(ft.flags) {
		return nil
	}
	if err := setTunefsInProgress(fs, tunefsInProgressFeature); err != nil {
		return err
	}
	if err := featureEnableMigration(fs, name, log); err != nil {
		return err
	}
	cur.set(ft.flags)
	fs.Super.CompatFeatures = cur.Compat
	fs.Super.IncompatFeatures = cur.Incompat
	fs.Super.RoCompatFeatures = cur.RoCompat
	return clearTunefsInProgress(fs)
}

// DisableFeature clears one feature token; refused when a live dependent
// still needs it or when on-disk state still uses it.
func DisableFeature(fs *Filesystem, name string, log elog.View) error {
	ft := featureByName(name)
	if ft == nil {
		return &UnsupportedFeatureError{Name: name}
	}
	cur := FeatureFlags{
		Compat:   fs.Super.CompatFeatures,
		Incompat: fs.Super.IncompatFeatures,
		RoCompat: fs.Super.RoCompatFeatures,
	}
	if !cur.Has(ft.flags) {
		return nil
	}
	for _, other := range featureTable {
		if contains(other.requires, name) && cur.Has(other.flags) {
			return &UnsupportedFeatureError{Name: other.name + " still requires " + name}
		}
	}
	if err := setTunefsInProgress(fs, tunefsInProgressFeature); err != nil {
		return err
	}
	cur.clear(ft.flags)
	fs.Super.CompatFeatures = cur.Compat
	fs.Super.IncompatFeatures = cur.Incompat
	fs.Super.RoCompatFeatures = cur.RoCompat
	return clearTunefsInProgress(fs)
}

// ResizeJournals grows or shrinks every slot's journal to newClusters.
func ResizeJournals(fs *Filesystem, newClusters uint32, log elog.View) error {
	if newClusters == 0 {
		return errors.Wrap(ErrInvalidArgument, "zero journal size")
	}
	if err := setTunefsInProgress(fs, tunefsInProgressFeature); err != nil {
		return err
	}
	for slot := uint16(0); slot < fs.Super.MaxSlots; slot++ {
		blkno, err := fs.LookupSystemInode(SystemFileJournal, slot)
		if err != nil {
			return err
		}
		d, err := ReadDinode(fs.cache, blkno)
		if err != nil {
			return err
		}
		switch {
		case d.Clusters > newClusters:
			if err := TruncateInode(fs, d, newClusters); err != nil {
				return err
			}
		case d.Clusters < newClusters:
			if err := ExtendInode(fs, d, newClusters-d.Clusters); err != nil {
				return err
			}
		}
		if log != nil {
			log.Infof("journal:%04d resized to %d clusters", slot, newClusters)
		}
	}
	return clearTunefsInProgress(fs)
}

// featureEnableMigration fills in the on-disk structures a feature needs
// before its flag goes live.
func featureEnableMigration(fs *Filesystem, name string, log elog.View) error {
	switch name {
	case "backup-super":
		return writeBackupSuperblocks(fs, log)
	case "usrquota":
		return createQuotaSystemFile(fs, QuotaTypeUser)
	case "grpquota":
		return createQuotaSystemFile(fs, QuotaTypeGroup)
	default:
		// sparse, unwritten, inline-data, indexed-dirs, refcount and
		// discontig-bg gate new allocations only; existing structures are
		// already valid under them.
		return nil
	}
}

// writeBackupSuperblocks copies the live superblock to every backup offset
// the volume is large enough to hold, claiming the clusters first.
func writeBackupSuperblocks(fs *Filesystem, log elog.View) error {
	gb, err := fs.GlobalBitmap()
	if err != nil {
		return err
	}
	d, err := ReadDinode(fs.cache, SuperBlockBlkno)
	if err != nil {
		return err
	}
	bpc := uint64(fs.ClusterSize / fs.BlockSize())
	for _, off := range BackupSuperblockOffsets {
		blk := off / uint64(fs.BlockSize())
		cl := blk / bpc
		if cl >= fs.TotalClusters() {
			break
		}
		gdBlkno, bit, err := fs.locateClusterBit(gb, cl)
		if err != nil {
			return err
		}
		if set, err := gb.TestBit(gdBlkno, bit); err != nil {
			return err
		} else if !set {
			g, err := gb.group(gdBlkno)
			if err != nil {
				return err
			}
			if err := (&groupBitmap{gd: g}).Set(bit); err != nil {
				return err
			}
			g.FreeBitsCount--
			gb.chainFor(gdBlkno).Free--
			gb.markDirty(gdBlkno)
		}
		backup := *d
		backup.Blkno = blk
		if err := WriteDinode(fs.cache, &backup); err != nil {
			return err
		}
		if log != nil {
			log.Debugf("backup superblock at block %d", blk)
		}
	}
	return gb.Write()
}

func createQuotaSystemFile(fs *Filesystem, qtype uint32) error {
	name := SystemFileUserQuota
	if qtype == QuotaTypeGroup {
		name = SystemFileGroupQuota
	}
	if _, err := fs.LookupSystemInode(name, AnySlot); err == nil {
		return nil
	}
	d, err := fs.AllocInode(0)
	if err != nil {
		return err
	}
	d.Flags |= FlagSystem | FlagQuota
	if err := WriteDinode(fs.cache, d); err != nil {
		return err
	}
	sysDirInode, err := ReadDinode(fs.cache, fs.Super.SystemDirBlkno)
	if err != nil {
		return err
	}
	if err := fs.LinkSystemInode(sysDirInode, name, AnySlot, d.Blkno, FTypeFile); err != nil {
		return err
	}
	return InitQuotaFile(fs, d, qtype)
}
