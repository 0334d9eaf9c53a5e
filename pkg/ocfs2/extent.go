package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sort"

	"github.com/pkg/errors"
)

// extentRecordLen is the on-disk size of one ExtentRecord: cpos(4) +
// clusters(4) + blkno(8).
const extentRecordLen = 16

// extentListHeaderLen is tree_depth(2) + count(2) + next_free_rec(2) + pad(2).
const extentListHeaderLen = 8

func encodeExtentList(buf []byte, l *ExtentList) {
	count := (len(buf) - extentListHeaderLen) / extentRecordLen
	putUint16(buf[0:], l.TreeDepth)
	putUint16(buf[2:], uint16(count))
	putUint16(buf[4:], uint16(len(l.Records)))
	recs := buf[extentListHeaderLen:]
	for i := 0; i < count; i++ {
		off := i * extentRecordLen
		if i < len(l.Records) {
			r := l.Records[i]
			putUint32(recs[off:], r.CPos)
			putUint32(recs[off+4:], r.Clusters)
			putUint64(recs[off+8:], r.Blkno)
		} else {
			putUint32(recs[off:], 0)
			putUint32(recs[off+4:], 0)
			putUint64(recs[off+8:], 0)
		}
	}
}

func decodeExtentList(buf []byte) *ExtentList {
	l := &ExtentList{
		TreeDepth:   getUint16(buf[0:]),
		Count:       getUint16(buf[2:]),
		NextFreeRec: getUint16(buf[4:]),
	}
	recs := buf[extentListHeaderLen:]
	n := int(l.NextFreeRec)
	if n > int(l.Count) {
		n = int(l.Count)
	}
	for i := 0; i < n; i++ {
		off := i * extentRecordLen
		if off+extentRecordLen > len(recs) {
			break
		}
		l.Records = append(l.Records, ExtentRecord{
			CPos:     getUint32(recs[off:]),
			Clusters: getUint32(recs[off+4:]),
			Blkno:    getUint64(recs[off+8:]),
		})
	}
	return l
}

// extentListCapacity returns how many records a list spanning span bytes
// can hold.
func extentListCapacity(span int) int { return (span - extentListHeaderLen) / extentRecordLen }

const (
	extentBlockCheckOffset = 8
	// signature+check(16) + blkno(8) + suballoc slot/bit(4)+pad(4) +
	// suballoc_loc(8) + parent(8) + nextleaf(8)
	extentBlockHeaderLen = 56
)

func marshalExtentBlock(b *ExtentBlock, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	putSignature(buf, SignatureExtentBlock)
	putUint64(buf[16:], b.Blkno)
	putUint16(buf[24:], b.SuballocSlot)
	putUint16(buf[26:], b.SuballocBit)
	putUint64(buf[32:], b.SuballocLoc)
	putUint64(buf[40:], b.ParentBlkno)
	putUint64(buf[48:], b.NextLeafBlkno)
	encodeExtentList(buf[extentBlockHeaderLen:], &b.List)
	stampCheck(buf, extentBlockCheckOffset)
	return buf
}

func unmarshalExtentBlock(buf []byte) (*ExtentBlock, error) {
	if !checkSignature(buf, SignatureExtentBlock) {
		return nil, &BadMagicError{Expected: SignatureExtentBlock, Found: string(trimNUL(buf[0:8])), Blkno: getUint64(buf[16:])}
	}
	blkno := getUint64(buf[16:])
	if err := verifyCheck(buf, extentBlockCheckOffset, blkno); err != nil {
		return nil, err
	}
	b := &ExtentBlock{
		Blkno:         blkno,
		SuballocSlot:  getUint16(buf[24:]),
		SuballocBit:   getUint16(buf[26:]),
		SuballocLoc:   getUint64(buf[32:]),
		ParentBlkno:   getUint64(buf[40:]),
		NextLeafBlkno: getUint64(buf[48:]),
	}
	b.List = *decodeExtentList(buf[extentBlockHeaderLen:])
	return b, nil
}

func readExtentBlock(c *Cache, blkno uint64) (*ExtentBlock, error) {
	buf, err := c.ReadBlock(blkno)
	if err != nil {
		return nil, err
	}
	return unmarshalExtentBlock(buf)
}

func writeExtentBlock(c *Cache, b *ExtentBlock) error {
	return c.WriteBlock(b.Blkno, marshalExtentBlock(b, c.BlockSize()))
}

// ExtentTreeRoot abstracts whatever structure embeds the root ExtentList:
// a dinode's payload, or a refcount block's tree root. Owner
// identifies the block whose back-pointer the tree's root-level inserts and
// truncations should use for accounting (cosmetic here; real back-pointer
// bookkeeping lives on the allocators).
type ExtentTreeRoot interface {
	RootList() *ExtentList
	SetRootList(*ExtentList)
	OwnerBlkno() uint64
	RootSpan() int
}

// dinodeExtentRoot adapts a Dinode to ExtentTreeRoot.
type dinodeExtentRoot struct {
	d    *Dinode
	span int
}

func (r *dinodeExtentRoot) RootList() *ExtentList      { return r.d.ExtentTree }
func (r *dinodeExtentRoot) SetRootList(l *ExtentList)   { r.d.ExtentTree = l }
func (r *dinodeExtentRoot) OwnerBlkno() uint64          { return r.d.Blkno }
func (r *dinodeExtentRoot) RootSpan() int               { return r.span }

// DinodeExtentRoot builds the ExtentTreeRoot view of an inode's embedded
// extent list, sized for blockSize.
func DinodeExtentRoot(d *Dinode, blockSize uint32) ExtentTreeRoot {
	if d.ExtentTree == nil {
		d.ExtentTree = &ExtentList{}
	}
	return &dinodeExtentRoot{d: d, span: extentListSpan(blockSize)}
}

// ExtentTree implements 's insert/truncate/iterate/get_block over a
// root embedded in a dinode or refcount block, with interior nodes stored
// as ExtentBlocks allocated from the extent-block suballocator.
type ExtentTree struct {
	fs       *Filesystem
	root     ExtentTreeRoot
}

// NewExtentTree builds a tree view bound to fs's extent-block allocator
// and cluster allocator for growth/shrink.
func NewExtentTree(fs *Filesystem, root ExtentTreeRoot) *ExtentTree {
	return &ExtentTree{fs: fs, root: root}
}

// pathEntry is one level visited during a descent, used both for lookup
// and to propagate splits back up on insert.
type pathEntry struct {
	block *ExtentBlock // nil for the root level
	list  *ExtentList
}

// descend walks from the root to the leaf whose range covers cpos (or
// would, if cpos falls in a hole), returning every level visited.
func (t *ExtentTree) descend(cpos uint32) ([]pathEntry, error) {
	list := t.root.RootList()
	path := []pathEntry{{block: nil, list: list}}
	for list.TreeDepth > 0 {
		idx := childIndexFor(list, cpos)
		if idx < 0 {
			return nil, errors.Wrap(ErrCorruptExtent, "interior node has no covering record")
		}
		child, err := readExtentBlock(t.fs.cache, list.Records[idx].Blkno)
		if err != nil {
			return nil, err
		}
		path = append(path, pathEntry{block: child, list: &child.List})
		list = &child.List
	}
	return path, nil
}

// childIndexFor returns the index of the record whose range should be
// descended into for cpos: the last record with CPos <= cpos, or 0 if none.
func childIndexFor(l *ExtentList, cpos uint32) int {
	idx := -1
	for i, r := range l.Records {
		if r.IsTail() {
			continue
		}
		if r.CPos <= cpos {
			idx = i
		} else {
			break
		}
	}
	if idx == -1 && len(l.Records) > 0 {
		idx = 0
	}
	return idx
}

// Insert adds rec to the tree, merging with an adjacent physically
// contiguous, flag-compatible neighbor when possible, splitting leaves and
// growing tree depth as needed.
func (t *ExtentTree) Insert(rec ExtentRecord) error {
	path, err := t.descend(rec.CPos)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	insertIntoList(leaf.list, rec)

	cap := t.capacityFor(len(path) - 1)
	if len(leaf.list.Records) <= cap {
		return t.writePath(path)
	}
	return t.splitUp(path)
}

// capacityFor returns how many records the list at depth-from-root level
// can hold: the root's span differs from an interior/leaf extent block's.
func (t *ExtentTree) capacityFor(level int) int {
	if level == 0 {
		return extentListCapacity(t.root.RootSpan())
	}
	return extentListCapacity(int(t.fs.BlockSize()) - extentBlockHeaderLen)
}

// insertIntoList inserts rec in cpos order, merging with a contiguous,
// flag-compatible neighbor instead of adding a new record where possible.
func insertIntoList(l *ExtentList, rec ExtentRecord) {
	i := sort.Search(len(l.Records), func(i int) bool { return l.Records[i].CPos >= rec.CPos })

	if i > 0 {
		prev := &l.Records[i-1]
		if prev.CPos+prev.ClusterCount() == rec.CPos &&
			prev.Blkno+uint64(prev.ClusterCount()) == rec.Blkno &&
			prev.IsUnwritten() == rec.IsUnwritten() && prev.IsRefcounted() == rec.IsRefcounted() {
			merged := makeExtentRecord(0, prev.ClusterCount()+rec.ClusterCount(), 0, rec.IsUnwritten())
			if rec.IsRefcounted() {
				merged = merged.withRefcounted()
			}
			prev.Clusters = merged.Clusters
			mergeForward(l, i-1)
			return
		}
	}
	if i < len(l.Records) {
		next := &l.Records[i]
		if rec.CPos+rec.ClusterCount() == next.CPos &&
			rec.Blkno+uint64(rec.ClusterCount()) == next.Blkno &&
			rec.IsUnwritten() == next.IsUnwritten() && rec.IsRefcounted() == next.IsRefcounted() {
			next.CPos = rec.CPos
			next.Blkno = rec.Blkno
			merged := makeExtentRecord(0, rec.ClusterCount()+next.ClusterCount(), 0, rec.IsUnwritten())
			if rec.IsRefcounted() {
				merged = merged.withRefcounted()
			}
			next.Clusters = merged.Clusters
			return
		}
	}
	l.Records = append(l.Records, ExtentRecord{})
	copy(l.Records[i+1:], l.Records[i:])
	l.Records[i] = rec
}

// mergeForward folds list[idx] into list[idx+1] if they turn out to be
// contiguous after a merge grew list[idx] (keeps insertIntoList simple).
// Flag compatibility matches insertIntoList: both the unwritten and the
// REFCOUNTED state must agree, and the merged record keeps them.
func mergeForward(l *ExtentList, idx int) {
	if idx+1 >= len(l.Records) {
		return
	}
	a, b := l.Records[idx], l.Records[idx+1]
	if a.CPos+a.ClusterCount() == b.CPos && a.Blkno+uint64(a.ClusterCount()) == b.Blkno &&
		a.IsUnwritten() == b.IsUnwritten() && a.IsRefcounted() == b.IsRefcounted() {
		merged := makeExtentRecord(0, a.ClusterCount()+b.ClusterCount(), 0, a.IsUnwritten())
		if a.IsRefcounted() {
			merged = merged.withRefcounted()
		}
		a.Clusters = merged.Clusters
		l.Records[idx] = a
		l.Records = append(l.Records[:idx+1], l.Records[idx+2:]...)
	}
}

// splitUp handles a leaf (or interior node) overflow by splitting the
// fullest level and propagating a new separator record upward; if the
// root itself overflows, tree depth grows by pushing the old root into a
// freshly allocated extent block.
func (t *ExtentTree) splitUp(path []pathEntry) error {
	for level := len(path) - 1; level > 0; level-- {
		entry := path[level]
		cap := t.capacityFor(level)
		if len(entry.list.Records) <= cap {
			continue
		}
		mid := len(entry.list.Records) / 2
		rightRecs := append([]ExtentRecord(nil), entry.list.Records[mid:]...)
		entry.list.Records = entry.list.Records[:mid]

		rightBlkno, gdBlkno, bit, err := t.fs.AllocExtentBlock()
		if err != nil {
			return err
		}
		right := &ExtentBlock{
			Blkno:        rightBlkno,
			SuballocLoc:  gdBlkno,
			SuballocBit:  uint16(bit),
			ParentBlkno:  path[level-1].blockBlkno(),
			List:         ExtentList{TreeDepth: entry.list.TreeDepth, Records: rightRecs},
		}
		if err := writeExtentBlock(t.fs.cache, right); err != nil {
			return err
		}
		// The separator must carry a nonzero span: a zero-cluster record
		// with a nonzero cpos is the tail sentinel and descent would skip
		// the whole right half.
		sep := ExtentRecord{CPos: rightRecs[0].CPos, Clusters: recordSpan(rightRecs) - rightRecs[0].CPos, Blkno: rightBlkno}
		insertIntoList(path[level-1].list, sep)
	}

	root := path[0].list
	if len(root.Records) <= t.capacityFor(0) {
		return t.writePath(path)
	}

	// Root overflowed: grow depth by moving its contents into a new
	// extent block and replacing the root with a single pointer record.
	// Any halved interior blocks persist first.
	if err := t.writePath(path); err != nil {
		return err
	}
	oldBlkno, gdBlkno, bit, err := t.fs.AllocExtentBlock()
	if err != nil {
		return err
	}
	old := &ExtentBlock{
		Blkno:       oldBlkno,
		SuballocLoc: gdBlkno,
		SuballocBit: uint16(bit),
		ParentBlkno: t.root.OwnerBlkno(),
		List:        ExtentList{TreeDepth: root.TreeDepth, Records: root.Records},
	}
	if err := writeExtentBlock(t.fs.cache, old); err != nil {
		return err
	}
	newRoot := &ExtentList{
		TreeDepth: root.TreeDepth + 1,
		Records:   []ExtentRecord{{CPos: 0, Clusters: recordSpan(root.Records), Blkno: oldBlkno}},
	}
	t.root.SetRootList(newRoot)
	return nil
}

// recordSpan is the cluster range an interior record must cover to span
// every child record in recs.
func recordSpan(recs []ExtentRecord) uint32 {
	if len(recs) == 0 {
		return 0
	}
	last := recs[len(recs)-1]
	return last.CPos + last.ClusterCount()
}

func (e pathEntry) blockBlkno() uint64 {
	if e.block == nil {
		return 0
	}
	return e.block.Blkno
}

// writePath persists every modified interior/leaf extent block on path
// (the root level is the caller's responsibility to persist, since it
// lives embedded in a dinode or refcount block owned by the caller).
func (t *ExtentTree) writePath(path []pathEntry) error {
	for _, e := range path {
		if e.block == nil {
			continue
		}
		e.block.List = *e.list
		if err := writeExtentBlock(t.fs.cache, e.block); err != nil {
			return err
		}
	}
	return nil
}

// InsertExtent inserts (cpos, blkno, clusters) into the tree, creating or
// growing it as needed. The root's owner (dinode or refcount block) is
// mutated in memory; persisting it stays with the caller, who usually has
// more fields of its own to update first.
func (t *ExtentTree) InsertExtent(cpos, clusters uint32, blkno uint64, unwritten bool) error {
	return t.Insert(makeExtentRecord(cpos, clusters, blkno, unwritten))
}

// GetBlock resolves the logical cluster position cpos to its physical
// block, returning the run length to the next extent boundary. A hole
// (legal once the SPARSE incompat flag is live) returns physical==0.
func (t *ExtentTree) GetBlock(cpos uint32) (physical uint64, contigClusters uint32, flags uint32, err error) {
	path, err := t.descend(cpos)
	if err != nil {
		return 0, 0, 0, err
	}
	leaf := path[len(path)-1].list
	for i, r := range leaf.Records {
		if r.IsTail() {
			continue
		}
		if cpos >= r.CPos && cpos < r.CPos+r.ClusterCount() {
			var flagBits uint32
			if r.IsUnwritten() {
				flagBits |= RoCompatUnwritten
			}
			bpc := uint64(t.fs.ClusterSize / t.fs.BlockSize_)
			return r.Blkno + uint64(cpos-r.CPos)*bpc, r.CPos + r.ClusterCount() - cpos, flagBits, nil
		}
		if r.CPos > cpos {
			// hole: report distance to next record as the run length.
			_ = i
			return 0, r.CPos - cpos, 0, nil
		}
	}
	return 0, 0, 0, nil
}

// IterMode selects the traversal order for Iterate.
type IterMode int

const (
	IterAllRecords IterMode = iota
	IterLeavesOnly
	IterPostOrder
)

// IterFunc is invoked for every leaf record (depth 0) in each mode.
// IterAllRecords and IterPostOrder also invoke it for each interior record,
// after that record's subtree has been walked, with depth set to the
// interior node's level. Returning abort==true stops the walk early.
type IterFunc func(rec ExtentRecord, depth uint16) (abort bool, err error)

// errIterAbort carries an abort out through nested iterate calls.
var errIterAbort = errors.New("extent iteration aborted")

// Iterate walks the tree in the requested mode, used by copy, defrag, and
// fsck-style tooling.
func (t *ExtentTree) Iterate(mode IterMode, cb IterFunc) error {
	if err := t.iterate(t.root.RootList(), mode, cb); err != errIterAbort {
		return err
	}
	return nil
}

func (t *ExtentTree) iterate(l *ExtentList, mode IterMode, cb IterFunc) error {
	if l.TreeDepth == 0 {
		for _, r := range l.Records {
			if r.IsTail() {
				continue
			}
			abort, err := cb(r, 0)
			if err == nil && abort {
				err = errIterAbort
			}
			if err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range l.Records {
		if r.IsTail() {
			continue
		}
		child, err := readExtentBlock(t.fs.cache, r.Blkno)
		if err != nil {
			return err
		}
		if mode != IterPostOrder {
			if err := t.iterate(&child.List, mode, cb); err != nil {
				return err
			}
			if mode == IterAllRecords {
				abort, err := cb(r, l.TreeDepth)
				if err == nil && abort {
					err = errIterAbort
				}
				if err != nil {
					return err
				}
			}
		} else {
			if err := t.iterate(&child.List, mode, cb); err != nil {
				return err
			}
			abort, err := cb(r, l.TreeDepth)
			if err == nil && abort {
				err = errIterAbort
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Truncate shortens the tree to newClusters, freeing every cluster range
// beyond it through fs's cluster allocator (or, for records carrying the
// REFCOUNTED flag, through the refcount tree's change_refcount), and
// collapsing any interior node left with no records.
func (t *ExtentTree) Truncate(newClusters uint32, refcounted func(cpos, clusters uint32) error) error {
	root := t.root.RootList()
	if err := t.truncateList(root, newClusters, refcounted); err != nil {
		return err
	}
	if len(root.Records) == 0 {
		root.TreeDepth = 0
	}
	t.root.SetRootList(root)
	return nil
}

func (t *ExtentTree) truncateList(l *ExtentList, newClusters uint32, refcounted func(uint32, uint32) error) error {
	if l.TreeDepth == 0 {
		kept := l.Records[:0]
		for _, r := range l.Records {
			if r.IsTail() {
				continue
			}
			end := r.CPos + r.ClusterCount()
			switch {
			case r.CPos >= newClusters:
				if err := t.freeRange(r, r.CPos, r.ClusterCount(), refcounted); err != nil {
					return err
				}
			case end > newClusters:
				tailLen := end - newClusters
				if err := t.freeRange(r, newClusters, tailLen, refcounted); err != nil {
					return err
				}
				head := makeExtentRecord(0, newClusters-r.CPos, 0, r.IsUnwritten())
				if r.IsRefcounted() {
					head = head.withRefcounted()
				}
				r.Clusters = head.Clusters
				kept = append(kept, r)
			default:
				kept = append(kept, r)
			}
		}
		l.Records = kept
		return nil
	}

	kept := l.Records[:0]
	for _, r := range l.Records {
		if r.IsTail() {
			continue
		}
		child, err := readExtentBlock(t.fs.cache, r.Blkno)
		if err != nil {
			return err
		}
		if err := t.truncateList(&child.List, newClusters, refcounted); err != nil {
			return err
		}
		if len(child.List.Records) == 0 {
			if err := t.fs.FreeExtentBlock(child.Blkno); err != nil {
				return err
			}
			continue
		}
		child.List.NextFreeRec = uint16(len(child.List.Records))
		if err := writeExtentBlock(t.fs.cache, child); err != nil {
			return err
		}
		kept = append(kept, r)
	}
	l.Records = kept
	return nil
}

func (t *ExtentTree) freeRange(r ExtentRecord, cpos, clusters uint32, refcounted func(uint32, uint32) error) error {
	bpc := uint64(t.fs.ClusterSize / t.fs.BlockSize_)
	if refcounted != nil && r.IsRefcounted() {
		// Refcount records are keyed by physical cluster.
		return refcounted(uint32(r.Blkno/bpc)+cpos-r.CPos, clusters)
	}
	return t.fs.FreeClusters(r.Blkno+uint64(cpos-r.CPos)*bpc, clusters)
}
