package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// Global quota file layout: file block 0 is the header, followed by
// a radix tree of indirect blocks whose depth is a function of blocksize,
// bottoming out in leaf blocks holding per-id records. Every block carries
// the same signature + CRC32C/ECC trailer the metadata blocks do.
const (
	quotaCheckOffset = 8
	quotaHeaderLen   = 16 // signature(8) + check(8)

	quotaVersionOff = 16
	quotaTypeOff    = 20
	quotaDepthOff   = 24

	QuotaTypeUser  uint32 = 0
	QuotaTypeGroup uint32 = 1

	quotaVersion uint32 = 1
)

// QuotaRecord is one per-id usage/limit entry.
type QuotaRecord struct {
	ID          uint32
	InodeSoft   uint64
	InodeHard   uint64
	InodeCount  uint64
	BlockSoft   uint64
	BlockHard   uint64
	BlockCount  uint64
}

const quotaRecordLen = 52 // id(4) + 6 x u64

func quotaRefsPerBlock(blockSize uint32) int {
	return (int(blockSize) - quotaHeaderLen) / 4
}

func quotaRecsPerLeaf(blockSize uint32) int {
	return (int(blockSize) - quotaHeaderLen) / quotaRecordLen
}

// quotaTreeDepth picks the smallest radix-tree depth whose leaf fan-out
// covers the full 32-bit id space for this blocksize.
func quotaTreeDepth(blockSize uint32) int {
	refs := uint64(quotaRefsPerBlock(blockSize))
	leaves := uint64(quotaRecsPerLeaf(blockSize))
	span := leaves
	depth := 0
	for span < 1<<32 {
		span *= refs
		depth++
	}
	return depth
}

// QuotaFile wraps one global quota system inode (user or group).
type QuotaFile struct {
	fs     *Filesystem
	dinode *Dinode
	qtype  uint32
}

// OpenQuotaFile loads the quota system file for the given type.
func OpenQuotaFile(fs *Filesystem, qtype uint32) (*QuotaFile, error) {
	name := SystemFileUserQuota
	if qtype == QuotaTypeGroup {
		name = SystemFileGroupQuota
	}
	blkno, err := fs.LookupSystemInode(name, AnySlot)
	if err != nil {
		return nil, err
	}
	d, err := ReadDinode(fs.cache, blkno)
	if err != nil {
		return nil, err
	}
	q := &QuotaFile{fs: fs, dinode: d, qtype: qtype}
	if err := q.checkHeader(); err != nil {
		return nil, err
	}
	return q, nil
}

// fileBlock maps a logical block of the quota file to its physical block,
// allocating backing clusters on demand when alloc is set.
func (q *QuotaFile) fileBlock(logical uint32, alloc bool) (uint64, error) {
	bpc := q.fs.ClusterSize / q.fs.BlockSize()
	tree := NewExtentTree(q.fs, DinodeExtentRoot(q.dinode, q.fs.BlockSize()))
	cpos := logical / bpc
	phys, _, _, err := tree.GetBlock(cpos)
	if err != nil {
		return 0, err
	}
	if phys == 0 {
		if !alloc {
			return 0, nil
		}
		cluster, err := q.fs.AllocClusters(1)
		if err != nil {
			return 0, err
		}
		phys = q.fs.ClusterToBlkno(uint64(cluster))
		if err := tree.InsertExtent(cpos, 1, phys, false); err != nil {
			return 0, err
		}
		q.dinode.Clusters++
		if err := WriteDinode(q.fs.cache, q.dinode); err != nil {
			return 0, err
		}
		// Zero-fill the fresh cluster so stale device contents never parse
		// as quota blocks.
		zero := make([]byte, q.fs.BlockSize())
		for i := uint32(0); i < bpc; i++ {
			putSignature(zero, QuotaBlockSignature)
			stampCheck(zero, quotaCheckOffset)
			if err := q.fs.cache.WriteBlock(phys+uint64(i), zero); err != nil {
				return 0, err
			}
		}
	}
	return phys + uint64(logical%bpc), nil
}

func (q *QuotaFile) readQuotaBlock(logical uint32) ([]byte, uint64, error) {
	phys, err := q.fileBlock(logical, false)
	if err != nil || phys == 0 {
		return nil, 0, err
	}
	buf, err := q.fs.cache.ReadBlock(phys)
	if err != nil {
		return nil, 0, err
	}
	if !checkSignature(buf, QuotaBlockSignature) {
		return nil, 0, errors.Wrapf(ErrCorruptQuota, "block %d lacks quota signature", phys)
	}
	if err := verifyCheck(buf, quotaCheckOffset, phys); err != nil {
		return nil, 0, errors.Wrapf(ErrCorruptQuota, "block %d: %v", phys, err)
	}
	return buf, phys, nil
}

func (q *QuotaFile) writeQuotaBlock(phys uint64, buf []byte) error {
	putSignature(buf, QuotaBlockSignature)
	stampCheck(buf, quotaCheckOffset)
	return q.fs.cache.WriteBlock(phys, buf)
}

func (q *QuotaFile) checkHeader() error {
	buf, _, err := q.readQuotaBlock(0)
	if err != nil {
		return err
	}
	if buf == nil {
		return errors.Wrap(ErrCorruptQuota, "quota file has no header block")
	}
	if getUint32(buf[quotaVersionOff:]) != quotaVersion {
		return errors.Wrapf(ErrCorruptQuota, "unknown quota version %d", getUint32(buf[quotaVersionOff:]))
	}
	if getUint32(buf[quotaTypeOff:]) != q.qtype {
		return errors.Wrap(ErrCorruptQuota, "quota header type disagrees with file name")
	}
	return nil
}

// InitQuotaFile writes a fresh header into an (empty) quota system inode.
// The tree root and leaves are allocated lazily on first Set.
func InitQuotaFile(fs *Filesystem, d *Dinode, qtype uint32) error {
	q := &QuotaFile{fs: fs, dinode: d, qtype: qtype}
	phys, err := q.fileBlock(0, true)
	if err != nil {
		return err
	}
	buf := make([]byte, fs.BlockSize())
	putUint32(buf[quotaVersionOff:], quotaVersion)
	putUint32(buf[quotaTypeOff:], qtype)
	putUint32(buf[quotaDepthOff:], uint32(quotaTreeDepth(fs.BlockSize())))
	if err := q.writeQuotaBlock(phys, buf); err != nil {
		return err
	}
	d.Size = uint64(fs.BlockSize())
	return WriteDinode(fs.cache, d)
}

// leafPath computes, for an id, the sequence of indirect-slot indices down
// the tree plus the record slot within the leaf.
func (q *QuotaFile) leafPath(id uint32) ([]int, int) {
	depth := quotaTreeDepth(q.fs.BlockSize())
	refs := quotaRefsPerBlock(q.fs.BlockSize())
	recs := quotaRecsPerLeaf(q.fs.BlockSize())
	slot := int(id) % recs
	rest := int(id) / recs
	path := make([]int, depth)
	for i := depth - 1; i >= 0; i-- {
		path[i] = rest % refs
		rest /= refs
	}
	return path, slot
}

// nextFileBlock appends one block to the quota file and returns its
// logical index, extending i_size.
func (q *QuotaFile) nextFileBlock() (uint32, error) {
	logical := uint32(q.dinode.Size / uint64(q.fs.BlockSize()))
	if _, err := q.fileBlock(logical, true); err != nil {
		return 0, err
	}
	q.dinode.Size += uint64(q.fs.BlockSize())
	if err := WriteDinode(q.fs.cache, q.dinode); err != nil {
		return 0, err
	}
	return logical, nil
}

// Lookup finds the record for id; FileNotFound when no limits were ever
// stored for it.
func (q *QuotaFile) Lookup(id uint32) (*QuotaRecord, error) {
	path, slot := q.leafPath(id)
	logical := uint32(1) // tree root follows the header block
	for _, idx := range path {
		buf, _, err := q.readQuotaBlock(logical)
		if err != nil {
			return nil, err
		}
		if buf == nil {
			return nil, errors.Wrapf(ErrFileNotFound, "quota id %d", id)
		}
		ref := getUint32(buf[quotaHeaderLen+4*idx:])
		if ref == 0 {
			return nil, errors.Wrapf(ErrFileNotFound, "quota id %d", id)
		}
		logical = ref
	}
	buf, _, err := q.readQuotaBlock(logical)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, errors.Wrapf(ErrFileNotFound, "quota id %d", id)
	}
	rec := decodeQuotaRecord(buf[quotaHeaderLen+slot*quotaRecordLen:])
	if rec.ID != id || recIsZero(rec) {
		return nil, errors.Wrapf(ErrFileNotFound, "quota id %d", id)
	}
	return rec, nil
}

// Set stores (or replaces) the record for rec.ID, growing tree and leaf
// blocks as needed.
func (q *QuotaFile) Set(rec *QuotaRecord) error {
	path, slot := q.leafPath(rec.ID)

	if q.dinode.Size <= uint64(q.fs.BlockSize()) {
		// First record ever: materialize the tree root.
		if _, err := q.nextFileBlock(); err != nil {
			return err
		}
	}

	logical := uint32(1)
	for _, idx := range path {
		buf, phys, err := q.readQuotaBlock(logical)
		if err != nil {
			return err
		}
		ref := getUint32(buf[quotaHeaderLen+4*idx:])
		if ref == 0 {
			child, err := q.nextFileBlock()
			if err != nil {
				return err
			}
			// No re-read needed: nextFileBlock rewrites the dinode, not this
			// tree block, so the buffer is still ours to mutate.
			putUint32(buf[quotaHeaderLen+4*idx:], child)
			if err := q.writeQuotaBlock(phys, buf); err != nil {
				return err
			}
			ref = child
		}
		logical = ref
	}

	buf, phys, err := q.readQuotaBlock(logical)
	if err != nil {
		return err
	}
	encodeQuotaRecord(buf[quotaHeaderLen+slot*quotaRecordLen:], rec)
	return q.writeQuotaBlock(phys, buf)
}

// Scan visits every stored record (tune/fsck use this to rebuild usage).
func (q *QuotaFile) Scan(cb func(*QuotaRecord) bool) error {
	depth := quotaTreeDepth(q.fs.BlockSize())
	if q.dinode.Size <= uint64(q.fs.BlockSize()) {
		return nil
	}
	return q.scanBlock(1, depth, cb)
}

func (q *QuotaFile) scanBlock(logical uint32, depth int, cb func(*QuotaRecord) bool) error {
	buf, _, err := q.readQuotaBlock(logical)
	if err != nil {
		return err
	}
	if buf == nil {
		return nil
	}
	if depth == 0 {
		recs := quotaRecsPerLeaf(q.fs.BlockSize())
		for i := 0; i < recs; i++ {
			rec := decodeQuotaRecord(buf[quotaHeaderLen+i*quotaRecordLen:])
			if recIsZero(rec) {
				continue
			}
			if !cb(rec) {
				return nil
			}
		}
		return nil
	}
	refs := quotaRefsPerBlock(q.fs.BlockSize())
	for i := 0; i < refs; i++ {
		ref := getUint32(buf[quotaHeaderLen+4*i:])
		if ref == 0 {
			continue
		}
		if err := q.scanBlock(ref, depth-1, cb); err != nil {
			return err
		}
	}
	return nil
}

func encodeQuotaRecord(buf []byte, r *QuotaRecord) {
	putUint32(buf[0:], r.ID)
	putUint64(buf[4:], r.InodeSoft)
	putUint64(buf[12:], r.InodeHard)
	putUint64(buf[20:], r.InodeCount)
	putUint64(buf[28:], r.BlockSoft)
	putUint64(buf[36:], r.BlockHard)
	putUint64(buf[44:], r.BlockCount)
}

func decodeQuotaRecord(buf []byte) *QuotaRecord {
	return &QuotaRecord{
		ID:         getUint32(buf[0:]),
		InodeSoft:  getUint64(buf[4:]),
		InodeHard:  getUint64(buf[12:]),
		InodeCount: getUint64(buf[20:]),
		BlockSoft:  getUint64(buf[28:]),
		BlockHard:  getUint64(buf[36:]),
		BlockCount: getUint64(buf[44:]),
	}
}

func recIsZero(r *QuotaRecord) bool {
	return r.InodeSoft == 0 && r.InodeHard == 0 && r.InodeCount == 0 &&
		r.BlockSoft == 0 && r.BlockHard == 0 && r.BlockCount == 0
}
