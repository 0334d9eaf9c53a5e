package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// On-disk layout constants and struct definitions for the OCFS2 format.
// Field names follow the kernel/tools naming (i_*, bg_*, c_*, e_*) so that
// anyone cross-referencing against fsck output or debugfs recognizes them.

const (
	SignatureDinode        = "INODE01\x00"
	SignatureExtentBlock   = "EXBLK01\x00"
	SignatureGroupDesc     = "GROUP01\x00"
	SignatureSuperblock    = "OCFSV2\x00\x00"
	SignatureOcfs1         = "OracleCFS0020"
	SuperBlockBlkno        = 2
	MaxFilenameLen         = 255
	DirPad                 = 4
	DirRoundUpMask         = DirPad - 1
	LockIDMaxLen           = 32
	MinBlockSize           = 512
	MaxBlockSize           = 4096
	MinClusterSize         = 4096
	MaxSlots               = 255
	SystemDirInode         = 0 // resolved by name at format time, not a fixed block
	DxRootSignature        = "DXDIR01\x00"
	DxLeafSignature        = "DXLE0100"
	RefcountBlockSignature = "REFCNT1\x00"
	TruncateLogSignature   = "TRUNCLO1"
	QuotaBlockSignature    = "OCFSQU01"
)

// Backup superblock byte offsets, per /
var BackupSuperblockOffsets = []uint64{
	1 << 30, 4 << 30, 16 << 30, 64 << 30, 256 << 30,
}

// Candidate blocksizes probed in order by the superblock loader.
var CandidateBlockSizes = []uint32{512, 1024, 2048, 4096}

// Dinode flags (i_flags).
const (
	FlagValid         uint32 = 1 << 0
	FlagSystem        uint32 = 1 << 1
	FlagSuperBlock    uint32 = 1 << 2
	FlagLocalAlloc    uint32 = 1 << 3
	FlagBitmap        uint32 = 1 << 4
	FlagDealloc       uint32 = 1 << 5
	FlagChain         uint32 = 1 << 6
	FlagJournal       uint32 = 1 << 7
	FlagOrphan        uint32 = 1 << 9
	FlagDir           uint32 = 1 << 15
	FlagRefcountRoot  uint32 = 1 << 20
	FlagInlineData    uint32 = 1 << 21
	FlagHasRefcount   uint32 = 1 << 22
	FlagQuota         uint32 = 1 << 23
	FlagHasIndexedDir uint32 = 1 << 24
)

// Compat/incompat/ro_compat feature flags.
const (
	CompatBackupSB uint32 = 1 << 0

	IncompatLocalMount   uint32 = 1 << 0
	IncompatSparseAlloc  uint32 = 1 << 1
	IncompatInlineData   uint32 = 1 << 2
	IncompatIndexedDirs  uint32 = 1 << 4
	IncompatRefcountTree uint32 = 1 << 5
	IncompatDiscontigBG  uint32 = 1 << 6

	RoCompatUnwritten uint32 = 1 << 0
	RoCompatUsrQuota  uint32 = 1 << 1
	RoCompatGrpQuota  uint32 = 1 << 2
)

// Extent record: once the ro_compat UNWRITTEN feature is live, bit 31 of
// the clusters field encodes "unwritten", matching the kernel convention
// of packing extent flags into the high bits rather than a separate byte.
const unwrittenBit = uint32(1) << 31

// ExtentRecord is a single (cpos, clusters, blkno) leaf or interior pointer.
type ExtentRecord struct {
	CPos     uint32
	Clusters uint32 // top bit may carry the unwritten flag
	Blkno    uint64
}

// refcountedBit borrows bit 30 of Clusters to carry the REFCOUNTED flag
// alongside the unwritten bit at 31. Real cluster
// counts never approach 2^30, so the two high bits are free for flags the
// same way the kernel packs e_flags into the otherwise-wasted high bits of
// a 32-bit cluster count.
const refcountedBit = uint32(1) << 30

// IsUnwritten reports whether the unwritten bit is set in Clusters.
func (r ExtentRecord) IsUnwritten() bool {
	return r.Clusters&unwrittenBit != 0
}

// IsRefcounted reports whether this leaf record's clusters are shared
// through a refcount tree.
func (r ExtentRecord) IsRefcounted() bool {
	return r.Clusters&refcountedBit != 0
}

// ClusterCount returns the actual cluster count with the flag bits masked off.
func (r ExtentRecord) ClusterCount() uint32 {
	return r.Clusters &^ (unwrittenBit | refcountedBit)
}

// IsTail reports whether this is the tree's upper-bound sentinel record
// (e_clusters == 0, e_cpos != 0), used to bound an interior node's range.
func (r ExtentRecord) IsTail() bool {
	return r.ClusterCount() == 0 && r.CPos != 0
}

func makeExtentRecord(cpos, clusters uint32, blkno uint64, unwritten bool) ExtentRecord {
	c := clusters
	if unwritten {
		c |= unwrittenBit
	}
	return ExtentRecord{CPos: cpos, Clusters: c, Blkno: blkno}
}

// withRefcounted returns a copy of r with the REFCOUNTED flag bit set.
func (r ExtentRecord) withRefcounted() ExtentRecord {
	r.Clusters |= refcountedBit
	return r
}

// ExtentList is the header + record array embedded in a dinode or extent block.
type ExtentList struct {
	TreeDepth   uint16
	Count       uint16
	NextFreeRec uint16
	Records     []ExtentRecord
}

func (l *ExtentList) isLeaf() bool { return l.TreeDepth == 0 }

// ExtentBlock is an interior/leaf-holding node of the extent tree.
type ExtentBlock struct {
	Blkno         uint64
	SuballocSlot  uint16
	SuballocBit   uint16
	SuballocLoc   uint64 // group descriptor block number that allocated this block
	ParentBlkno   uint64
	NextLeafBlkno uint64
	List          ExtentList
}

// ChainRecord is the head of one singly-linked group-descriptor chain.
type ChainRecord struct {
	Free  uint32
	Total uint32
	Blkno uint64
}

// ChainList is the embedded union payload of a chain-allocator dinode.
type ChainList struct {
	ClustersPerGroup uint16 // cl_cpg
	BitsPerCluster   uint8  // cl_bpc
	Count            uint16 // cl_count
	NextFreeRec      uint16 // cl_next_free_rec
	Chains           []ChainRecord
}

// GroupDescriptor describes one allocation group.
type GroupDescriptor struct {
	Blkno          uint64
	Bits           uint32 // bg_bits
	FreeBitsCount  uint32 // bg_free_bits_count
	Chain          uint16 // bg_chain
	NextGroup      uint64 // bg_next_group
	ParentDinode   uint64 // bg_parent_dinode
	Generation     uint32
	DiscontigList  *ExtentList // non-nil when IncompatDiscontigBG backs this group
	Bitmap         []byte      // bg_size bytes, bit i => cluster/inode i
}

// DirEntry is one linear directory-block record.
type DirEntry struct {
	Inode    uint64
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

const (
	FTypeUnknown uint8 = 0
	FTypeFile    uint8 = 1
	FTypeDir     uint8 = 2
	FTypeSymlink uint8 = 7
)

// dirEntryFixedLen is the on-disk header size preceding Name (8 + 2 + 1 + 1).
const dirEntryFixedLen = 12

// DirRecLen returns the 4-byte-padded on-disk length of an entry for a name
// of the given length.
func DirRecLen(nameLen int) uint16 {
	l := dirEntryFixedLen + nameLen
	return uint16((l + DirRoundUpMask) &^ DirRoundUpMask)
}

// LocalAllocPayload models the borrowed-window bitmap embedded in a
// local-alloc dinode.
type LocalAllocPayload struct {
	BitmapOffset uint32 // la_bm_off, in clusters from start of volume
	BitmapBits   uint32 // la_bm_bits
	BitsSet      uint32 // la_bits_set
	Bitmap       []byte
}

// TruncateLogRecord is one deferred-free range.
type TruncateLogRecord struct {
	StartCluster uint32
	ClusterCount uint32
}

// TruncateLogPayload is the embedded union payload of a truncate-log dinode.
type TruncateLogPayload struct {
	Count   uint16
	Used    uint16
	Records []TruncateLogRecord
}

// RefcountRecord is one shared-extent accounting entry.
type RefcountRecord struct {
	CPos     uint32
	Clusters uint32
	Count    uint32
}

// RefcountBlock is a leaf of the refcount tree (or, when Root.Inline is
// true, the payload embedded directly in the root).
type RefcountBlock struct {
	Blkno        uint64
	Parent       uint64
	SuballocLoc  uint64
	SuballocBit  uint16
	Records      []RefcountRecord
}

// RefcountRoot is the structure referenced by a dinode's i_refcount_loc.
type RefcountRoot struct {
	Blkno        uint64
	SuballocLoc  uint64
	SuballocBit  uint16
	Inline       bool
	RefCount     uint32 // total referencing inodes (informational)
	InlineRecs   []RefcountRecord
	Tree         ExtentList // when !Inline, root of a tree of RefcountBlock leaves
}

// SuperblockInfo is the union payload of the dinode at SuperBlockBlkno.
type SuperblockInfo struct {
	MajorVersion      uint16
	MinorVersion      uint16
	MountCount        uint16
	MaxMountCount     uint16
	State             uint16
	ErrorsPolicy      uint16
	LastCheckEpoch    int64
	CreatorOS         uint32
	CompatFeatures    uint32
	IncompatFeatures  uint32
	RoCompatFeatures  uint32
	RootBlkno         uint64
	SystemDirBlkno    uint64
	LogBlockSize      uint8
	LogClusterSize    uint8
	MaxSlots          uint16
	FirstClusterGroup uint64
	Label             string // up to 64 bytes
	UUID              [16]byte
	ClusterStackLabel string // up to 16 bytes when present
	ClusterName       string // up to 16 bytes when present
	TunefsInProgress  uint32
}

// Dinode is the fixed-size on-disk structure carrying per-file metadata
// plus one of several type-dependent payloads, selected by Flags.
type Dinode struct {
	Blkno        uint64
	FSGeneration uint32
	Generation   uint32
	SuballocSlot uint16
	SuballocBit  uint16
	SuballocLoc  uint64 // group descriptor block number that allocated this dinode
	UID          uint32
	GID          uint32
	Mode         uint16
	Links        uint16
	Flags        uint32
	Size         uint64
	Clusters     uint32
	CTime        int64
	MTime        int64
	ATime        int64

	// Exactly one of the following is meaningful, chosen by Flags.
	ExtentTree  *ExtentList
	InlineData  []byte
	ChainList   *ChainList
	LocalAlloc  *LocalAllocPayload
	Superblock  *SuperblockInfo
	TruncateLog *TruncateLogPayload
	Refcount    *RefcountRoot
}

func (d *Dinode) IsSystem() bool       { return d.Flags&FlagSystem != 0 }
func (d *Dinode) IsDir() bool          { return d.Flags&FlagDir != 0 }
func (d *Dinode) IsSuperblock() bool   { return d.Flags&FlagSuperBlock != 0 }
func (d *Dinode) IsChainAlloc() bool   { return d.Flags&FlagChain != 0 }
func (d *Dinode) IsLocalAlloc() bool   { return d.Flags&FlagLocalAlloc != 0 }
func (d *Dinode) IsInlineData() bool   { return d.Flags&FlagInlineData != 0 }
func (d *Dinode) HasRefcount() bool    { return d.Flags&FlagHasRefcount != 0 }
func (d *Dinode) IsIndexedDir() bool   { return d.Flags&FlagHasIndexedDir != 0 }
