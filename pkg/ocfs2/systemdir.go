package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "fmt"

// System file base names. Per-slot files are looked up with their
// slot number appended as ":NNNN" in zero-padded decimal; global files are
// looked up by their bare name.
const (
	SystemFileGlobalBitmap     = "global_bitmap"
	SystemFileGlobalInodeAlloc = "global_inode_alloc"
	SystemFileSlotMap          = "slotmap"
	SystemFileHeartbeat        = "heartbeat"
	SystemFileExtentAlloc      = "extent_alloc"
	SystemFileInodeAlloc       = "inode_alloc"
	SystemFileJournal          = "journal"
	SystemFileLocalAlloc       = "local_alloc"
	SystemFileTruncateLog      = "truncate_log"
	SystemFileOrphanDir        = "orphan_dir"
	SystemFileUserQuota        = "aquota.user"
	SystemFileGroupQuota       = "aquota.group"
)

// AnySlot marks a system-file lookup as global (no ":NNNN" suffix).
const AnySlot uint16 = 0xFFFF

// systemFileName renders a system directory entry name, slot-qualified
// as ":NNNN" when the file is per-slot.
func systemFileName(base string, slot uint16) string {
	if slot == AnySlot {
		return base
	}
	return fmt.Sprintf("%s:%04d", base, slot)
}

// LookupSystemInode resolves a named system file to its dinode block
// number through the system directory at s_system_dir_blkno.
func (fs *Filesystem) LookupSystemInode(base string, slot uint16) (uint64, error) {
	sysDir, err := ReadDinode(fs.cache, fs.Super.SystemDirBlkno)
	if err != nil {
		return 0, err
	}
	dir, err := OpenDirectory(fs, sysDir)
	if err != nil {
		return 0, err
	}
	return dir.Lookup(systemFileName(base, slot))
}

// LinkSystemInode registers name (optionally slot-qualified) in the system
// directory, pointing at blkno. Used by format when constructing the
// initial system inode set.
func (fs *Filesystem) LinkSystemInode(sysDir *Dinode, base string, slot uint16, blkno uint64, fileType uint8) error {
	dir, err := OpenDirectory(fs, sysDir)
	if err != nil {
		return err
	}
	return dir.Link(systemFileName(base, slot), blkno, fileType)
}
