package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// refcountRootSpan is the tail of the dinode union reserved for the
// i_refcount_loc pointer when FlagHasRefcount is set (the extent list in
// front of it is shortened by the same amount, see extentListSpan).
const refcountRootSpan = 16

// encodeRefcountRoot writes only the root-block pointer into the dinode
// tail; the root's own content lives in its block.
func encodeRefcountRoot(buf []byte, r *RefcountRoot) {
	putUint64(buf[0:], r.Blkno)
}

func decodeRefcountRoot(buf []byte) *RefcountRoot {
	return &RefcountRoot{Blkno: getUint64(buf[0:])}
}

// Refcount block layout: signature(8) + check(8) + blkno(8) + parent(8) +
// suballoc_loc(8) + suballoc_bit(2) + inline flag(1) + pad(1) +
// rf_count(4), then either used(2)+pad(2)+records of (cpos(4),
// clusters(4), refcount(4)) for an inline list or an embedded extent list
// for a spilled tree.
const (
	refcountCheckOffset = 8
	refcountHeaderLen   = 48
	refcountRecordLen   = 12
)

func refcountBlockCapacity(blockSize uint32) int {
	return (int(blockSize) - refcountHeaderLen - 4) / refcountRecordLen
}

func marshalRefcountRoot(r *RefcountRoot, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	putSignature(buf, RefcountBlockSignature)
	putUint64(buf[16:], r.Blkno)
	putUint64(buf[24:], 0)
	putUint64(buf[32:], r.SuballocLoc)
	putUint16(buf[40:], r.SuballocBit)
	if r.Inline {
		buf[42] = 1
	}
	putUint32(buf[44:], r.RefCount)
	if r.Inline {
		putUint16(buf[refcountHeaderLen:], uint16(len(r.InlineRecs)))
		recs := buf[refcountHeaderLen+4:]
		for i, rec := range r.InlineRecs {
			off := i * refcountRecordLen
			putUint32(recs[off:], rec.CPos)
			putUint32(recs[off+4:], rec.Clusters)
			putUint32(recs[off+8:], rec.Count)
		}
	} else {
		encodeExtentList(buf[refcountHeaderLen:], &r.Tree)
	}
	stampCheck(buf, refcountCheckOffset)
	return buf
}

func unmarshalRefcountRoot(buf []byte) (*RefcountRoot, error) {
	if !checkSignature(buf, RefcountBlockSignature) {
		return nil, &BadMagicError{Expected: RefcountBlockSignature, Found: string(trimNUL(buf[0:8])), Blkno: getUint64(buf[16:])}
	}
	blkno := getUint64(buf[16:])
	if err := verifyCheck(buf, refcountCheckOffset, blkno); err != nil {
		return nil, err
	}
	r := &RefcountRoot{
		Blkno:       blkno,
		SuballocLoc: getUint64(buf[32:]),
		SuballocBit: getUint16(buf[40:]),
		Inline:      buf[42] == 1,
		RefCount:    getUint32(buf[44:]),
	}
	if r.Inline {
		n := int(getUint16(buf[refcountHeaderLen:]))
		recs := buf[refcountHeaderLen+4:]
		for i := 0; i < n; i++ {
			off := i * refcountRecordLen
			if off+refcountRecordLen > len(recs) {
				return nil, errors.Wrapf(ErrCorruptRefcount, "root %d: inline record %d overruns block", blkno, i)
			}
			r.InlineRecs = append(r.InlineRecs, RefcountRecord{
				CPos:     getUint32(recs[off:]),
				Clusters: getUint32(recs[off+4:]),
				Count:    getUint32(recs[off+8:]),
			})
		}
	} else {
		r.Tree = *decodeExtentList(buf[refcountHeaderLen:])
	}
	return r, nil
}

func marshalRefcountLeaf(b *RefcountBlock, blockSize uint32) []byte {
	root := &RefcountRoot{
		Blkno:       b.Blkno,
		SuballocLoc: b.SuballocLoc,
		SuballocBit: b.SuballocBit,
		Inline:      true,
		InlineRecs:  b.Records,
	}
	buf := marshalRefcountRoot(root, blockSize)
	putUint64(buf[24:], b.Parent)
	stampCheck(buf, refcountCheckOffset)
	return buf
}

func unmarshalRefcountLeaf(buf []byte) (*RefcountBlock, error) {
	r, err := unmarshalRefcountRoot(buf)
	if err != nil {
		return nil, err
	}
	return &RefcountBlock{
		Blkno:       r.Blkno,
		Parent:      getUint64(buf[24:]),
		SuballocLoc: r.SuballocLoc,
		SuballocBit: r.SuballocBit,
		Records:     r.InlineRecs,
	}, nil
}

// RefcountTree is the shared-extent bookkeeping structure. The root
// block holds either an inline record list or an extent list whose leaf
// pointers are refcount blocks keyed by cpos.
type RefcountTree struct {
	fs   *Filesystem
	root *RefcountRoot
}

// CreateRefcountTree allocates a fresh, empty inline root block from the
// extent-block suballocator and returns the tree plus the root's blkno for
// the caller to attach.
func CreateRefcountTree(fs *Filesystem) (*RefcountTree, error) {
	blkno, gdBlkno, bit, err := fs.AllocExtentBlock()
	if err != nil {
		return nil, err
	}
	t := &RefcountTree{fs: fs, root: &RefcountRoot{
		Blkno:       blkno,
		SuballocLoc: gdBlkno,
		SuballocBit: uint16(bit),
		Inline:      true,
	}}
	if err := t.writeRoot(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadRefcountTree reads the root block at blkno.
func LoadRefcountTree(fs *Filesystem, blkno uint64) (*RefcountTree, error) {
	buf, err := fs.cache.ReadBlock(blkno)
	if err != nil {
		return nil, err
	}
	root, err := unmarshalRefcountRoot(buf)
	if err != nil {
		return nil, err
	}
	return &RefcountTree{fs: fs, root: root}, nil
}

func (t *RefcountTree) writeRoot() error {
	return t.fs.cache.WriteBlock(t.root.Blkno, marshalRefcountRoot(t.root, t.fs.BlockSize()))
}

// RootBlkno exposes the root's block number for i_refcount_loc.
func (t *RefcountTree) RootBlkno() uint64 { return t.root.Blkno }

// Attach links this tree into d: the inode records the root's location and
// gains the refcount flag. The root's referent count is bumped so a later
// detach knows when the tree dies.
func (t *RefcountTree) Attach(d *Dinode) error {
	d.Flags |= FlagHasRefcount
	d.Refcount = &RefcountRoot{Blkno: t.root.Blkno}
	t.root.RefCount++
	if err := t.writeRoot(); err != nil {
		return err
	}
	return WriteDinode(t.fs.cache, d)
}

// Detach drops one referent. When the last referent goes, the caller is
// expected to follow with Truncate.
func (t *RefcountTree) Detach(d *Dinode) error {
	d.Flags &^= FlagHasRefcount
	d.Refcount = nil
	if t.root.RefCount > 0 {
		t.root.RefCount--
	}
	if err := t.writeRoot(); err != nil {
		return err
	}
	return WriteDinode(t.fs.cache, d)
}

// Referents reports how many inodes currently reference this tree.
func (t *RefcountTree) Referents() uint32 { return t.root.RefCount }

// records loads the record list covering the whole tree in cpos order,
// along with the leaf block each run came from (0 for the inline root).
func (t *RefcountTree) records() ([]RefcountRecord, []uint64, error) {
	if t.root.Inline {
		leaves := make([]uint64, len(t.root.InlineRecs))
		return t.root.InlineRecs, leaves, nil
	}
	var recs []RefcountRecord
	var leaves []uint64
	for i := 0; i < int(t.root.Tree.NextFreeRec) && i < len(t.root.Tree.Records); i++ {
		lb := t.root.Tree.Records[i].Blkno
		buf, err := t.fs.cache.ReadBlock(lb)
		if err != nil {
			return nil, nil, err
		}
		leaf, err := unmarshalRefcountLeaf(buf)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range leaf.Records {
			recs = append(recs, r)
			leaves = append(leaves, lb)
		}
	}
	return recs, leaves, nil
}

// setRecords rewrites the full record list. Inline while it fits; spilled
// into leaf blocks otherwise. Emptied leaves are returned to the
// extent-block suballocator.
func (t *RefcountTree) setRecords(recs []RefcountRecord) error {
	cap := refcountBlockCapacity(t.fs.BlockSize())
	if t.root.Inline && len(recs) <= cap {
		t.root.InlineRecs = recs
		return t.writeRoot()
	}
	if t.root.Inline {
		t.root.Inline = false
		t.root.InlineRecs = nil
		t.root.Tree = ExtentList{TreeDepth: 0}
	}

	// Free the old leaves, then lay the records back out densely.
	if err := t.freeLeaves(); err != nil {
		return err
	}
	t.root.Tree.Records = nil
	t.root.Tree.NextFreeRec = 0

	for start := 0; start < len(recs); start += cap {
		end := start + cap
		if end > len(recs) {
			end = len(recs)
		}
		blkno, gdBlkno, bit, err := t.fs.AllocExtentBlock()
		if err != nil {
			return err
		}
		leaf := &RefcountBlock{
			Blkno:       blkno,
			Parent:      t.root.Blkno,
			SuballocLoc: gdBlkno,
			SuballocBit: uint16(bit),
			Records:     recs[start:end],
		}
		if err := t.fs.cache.WriteBlock(blkno, marshalRefcountLeaf(leaf, t.fs.BlockSize())); err != nil {
			return err
		}
		t.root.Tree.Records = append(t.root.Tree.Records, ExtentRecord{
			CPos:     recs[start].CPos,
			Clusters: uint32(end - start),
			Blkno:    blkno,
		})
		t.root.Tree.NextFreeRec++
	}
	t.root.Tree.Count = t.root.Tree.NextFreeRec
	return t.writeRoot()
}

// Lookup returns the refcount covering the single cluster at cpos, zero if
// no record covers it.
func (t *RefcountTree) Lookup(cpos uint32) (uint32, error) {
	recs, _, err := t.records()
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if cpos >= r.CPos && cpos < r.CPos+r.Clusters {
			return r.Count, nil
		}
	}
	return 0, nil
}

// ChangeRefcount adjusts the count over [cpos, cpos+clusters) by delta
//. Records are split so the affected range is covered exactly; a
// record whose count reaches zero is removed and its clusters freed to the
// global bitmap. Increments over uncovered ranges create fresh records
// with count == delta (the caller has just made the range shared).
func (t *RefcountTree) ChangeRefcount(cpos, clusters uint32, delta int32) error {
	if clusters == 0 {
		return errors.Wrap(ErrInvalidArgument, "zero-length refcount change")
	}
	recs, _, err := t.records()
	if err != nil {
		return err
	}

	end := cpos + clusters
	var out []RefcountRecord
	covered := cpos
	for _, r := range recs {
		rEnd := r.CPos + r.Clusters
		if rEnd <= cpos || r.CPos >= end {
			out = append(out, r)
			continue
		}
		if r.CPos > covered && delta > 0 {
			// Gap inside the target range: fresh record for it below.
			out = append(out, RefcountRecord{CPos: covered, Clusters: r.CPos - covered, Count: uint32(delta)})
			covered = r.CPos
		}
		// Head fragment outside the range keeps the old count.
		if r.CPos < cpos {
			out = append(out, RefcountRecord{CPos: r.CPos, Clusters: cpos - r.CPos, Count: r.Count})
		}
		// Overlapping middle gets the adjusted count.
		os := maxU32(r.CPos, cpos)
		oe := minU32(rEnd, end)
		nc := int64(r.Count) + int64(delta)
		if nc < 0 {
			return errors.Wrapf(ErrCorruptRefcount, "refcount underflow at cpos %d", os)
		}
		if nc > 0 {
			out = append(out, RefcountRecord{CPos: os, Clusters: oe - os, Count: uint32(nc)})
		} else {
			if err := t.freeClusterRange(os, oe-os); err != nil {
				return err
			}
		}
		if oe > covered {
			covered = oe
		}
		// Tail fragment outside the range keeps the old count.
		if rEnd > end {
			out = append(out, RefcountRecord{CPos: end, Clusters: rEnd - end, Count: r.Count})
		}
	}
	if covered < end && delta > 0 {
		out = append(out, RefcountRecord{CPos: covered, Clusters: end - covered, Count: uint32(delta)})
	}

	sortRefcountRecords(out)
	out = mergeRefcountRecords(out)
	return t.setRecords(out)
}

func (t *RefcountTree) freeClusterRange(cpos, clusters uint32) error {
	blkno := t.fs.ClusterToBlkno(uint64(cpos))
	return t.fs.FreeClusters(blkno, clusters)
}

// Truncate tears the tree down after the last referent detached: every
// record still standing is treated as uniquely owned and its clusters
// freed, then the leaves and root are returned to the suballocator.
func (t *RefcountTree) Truncate() error {
	recs, _, err := t.records()
	if err != nil {
		return err
	}
	if t.root.RefCount > 0 {
		return errors.Wrapf(ErrInvalidArgument, "refcount tree %d still has %d referents", t.root.Blkno, t.root.RefCount)
	}
	for _, r := range recs {
		if err := t.freeClusterRange(r.CPos, r.Clusters); err != nil {
			return err
		}
	}
	if !t.root.Inline {
		if err := t.freeLeaves(); err != nil {
			return err
		}
	}
	return t.fs.FreeSuballocatedBlock(t.root.SuballocLoc, uint64(t.root.SuballocBit))
}

// freeLeaves returns every spilled leaf block to its suballocator via the
// back-pointer stamped in the leaf header.
func (t *RefcountTree) freeLeaves() error {
	for i := 0; i < int(t.root.Tree.NextFreeRec) && i < len(t.root.Tree.Records); i++ {
		buf, err := t.fs.cache.ReadBlock(t.root.Tree.Records[i].Blkno)
		if err != nil {
			return err
		}
		leaf, err := unmarshalRefcountLeaf(buf)
		if err != nil {
			return err
		}
		if err := t.fs.FreeSuballocatedBlock(leaf.SuballocLoc, uint64(leaf.SuballocBit)); err != nil {
			return err
		}
	}
	return nil
}

func sortRefcountRecords(recs []RefcountRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j-1].CPos > recs[j].CPos; j-- {
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
}

// mergeRefcountRecords coalesces adjacent records with equal counts so no
// two records overlap or abut with the same count.
func mergeRefcountRecords(recs []RefcountRecord) []RefcountRecord {
	var out []RefcountRecord
	for _, r := range recs {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.CPos+last.Clusters == r.CPos && last.Count == r.Count {
				last.Clusters += r.Clusters
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
