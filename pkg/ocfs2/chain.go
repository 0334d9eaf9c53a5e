package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

const (
	groupDescCheckOffset = 8
	groupDescHeaderLen   = 68
	// groupDiscontigListSpan reserves room for the embedded extent list a
	// "discontiguous block group" descriptor carries ahead of its bitmap
	// when IncompatDiscontigBG is live. The list is bounded by
	// next_free_rec like any other extent list, not by a sentinel
	// zero-cluster record.
	groupDiscontigListSpan = 64
)

func groupBitmapOffset(discontig bool) int {
	if discontig {
		return groupDescHeaderLen + groupDiscontigListSpan
	}
	return groupDescHeaderLen
}

func marshalGroupDescriptor(g *GroupDescriptor, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	putSignature(buf, SignatureGroupDesc)
	putUint64(buf[16:], g.Blkno)
	putUint32(buf[24:], g.Bits)
	putUint32(buf[28:], g.FreeBitsCount)
	putUint16(buf[32:], g.Chain)
	putUint64(buf[36:], g.NextGroup)
	putUint64(buf[44:], g.ParentDinode)
	putUint32(buf[52:], g.Generation)
	discontig := g.DiscontigList != nil
	if discontig {
		buf[60] = 1
		encodeExtentList(buf[groupDescHeaderLen:groupDescHeaderLen+groupDiscontigListSpan], g.DiscontigList)
	}
	bmOff := groupBitmapOffset(discontig)
	copy(buf[bmOff:], g.Bitmap)
	stampCheck(buf, groupDescCheckOffset)
	return buf
}

func unmarshalGroupDescriptor(buf []byte) (*GroupDescriptor, error) {
	if !checkSignature(buf, SignatureGroupDesc) {
		return nil, &BadMagicError{Expected: SignatureGroupDesc, Found: string(trimNUL(buf[0:8])), Blkno: getUint64(buf[16:])}
	}
	blkno := getUint64(buf[16:])
	if err := verifyCheck(buf, groupDescCheckOffset, blkno); err != nil {
		return nil, err
	}
	g := &GroupDescriptor{
		Blkno:         blkno,
		Bits:          getUint32(buf[24:]),
		FreeBitsCount: getUint32(buf[28:]),
		Chain:         getUint16(buf[32:]),
		NextGroup:     getUint64(buf[36:]),
		ParentDinode:  getUint64(buf[44:]),
		Generation:    getUint32(buf[52:]),
	}
	discontig := buf[60] == 1
	if discontig {
		g.DiscontigList = decodeExtentList(buf[groupDescHeaderLen : groupDescHeaderLen+groupDiscontigListSpan])
	}
	bmOff := groupBitmapOffset(discontig)
	bgSize := (int(g.Bits) + 7) / 8
	if bmOff+bgSize > len(buf) {
		bgSize = len(buf) - bmOff
	}
	g.Bitmap = append([]byte(nil), buf[bmOff:bmOff+bgSize]...)
	return g, nil
}

func readGroupDescriptor(c *Cache, blkno uint64) (*GroupDescriptor, error) {
	buf, err := c.ReadBlock(blkno)
	if err != nil {
		return nil, err
	}
	return unmarshalGroupDescriptor(buf)
}

func writeGroupDescriptor(c *Cache, g *GroupDescriptor) error {
	return c.WriteBlock(g.Blkno, marshalGroupDescriptor(g, c.BlockSize()))
}

// chainRecordLen is c_free(4) + c_total(4) + c_blkno(8).
const chainRecordLen = 16

// chainListHeaderLen is cl_cpg(2) + cl_bpc(1) + pad(1) + cl_count(2) + cl_next_free_rec(2) + pad(2).
const chainListHeaderLen = 10

func encodeChainList(buf []byte, l *ChainList) {
	putUint16(buf[0:], l.ClustersPerGroup)
	buf[2] = l.BitsPerCluster
	putUint16(buf[4:], l.Count)
	putUint16(buf[6:], l.NextFreeRec)
	recs := buf[chainListHeaderLen:]
	count := (len(buf) - chainListHeaderLen) / chainRecordLen
	for i := 0; i < count; i++ {
		off := i * chainRecordLen
		if i < len(l.Chains) {
			c := l.Chains[i]
			putUint32(recs[off:], c.Free)
			putUint32(recs[off+4:], c.Total)
			putUint64(recs[off+8:], c.Blkno)
		}
	}
}

func decodeChainList(buf []byte) *ChainList {
	l := &ChainList{
		ClustersPerGroup: getUint16(buf[0:]),
		BitsPerCluster:   buf[2],
		Count:            getUint16(buf[4:]),
		NextFreeRec:      getUint16(buf[6:]),
	}
	recs := buf[chainListHeaderLen:]
	n := int(l.NextFreeRec)
	if n > int(l.Count) {
		n = int(l.Count)
	}
	for i := 0; i < n; i++ {
		off := i * chainRecordLen
		if off+chainRecordLen > len(recs) {
			break
		}
		l.Chains = append(l.Chains, ChainRecord{
			Free:  getUint32(recs[off:]),
			Total: getUint32(recs[off+4:]),
			Blkno: getUint64(recs[off+8:]),
		})
	}
	return l
}

func chainListCapacity(blockSize uint32) int {
	return (extentListSpan(blockSize) - chainListHeaderLen) / chainRecordLen
}

// ChainAllocator models a suballocator: the inode, extent-block, or global
// cluster pool. It is constructed from the chain-list dinode and
// keeps every group descriptor it has touched in memory until Write flushes
// them back.
type ChainAllocator struct {
	fs     *Filesystem
	dinode *Dinode
	groups map[uint64]*GroupDescriptor // blkno -> loaded descriptor
	dirty  map[uint64]bool
}

// LoadChainAllocator reads the allocator dinode at blkno and its chain
// list, without eagerly walking every group (groups are faulted in on
// demand by AllocBit/FreeBit/TestBit).
func LoadChainAllocator(fs *Filesystem, blkno uint64) (*ChainAllocator, error) {
	d, err := ReadDinode(fs.cache, blkno)
	if err != nil {
		return nil, err
	}
	if !d.IsChainAlloc() || d.ChainList == nil {
		return nil, errors.Wrapf(ErrInodeNotValid, "inode %d is not a chain allocator", blkno)
	}
	return &ChainAllocator{fs: fs, dinode: d, groups: map[uint64]*GroupDescriptor{}, dirty: map[uint64]bool{}}, nil
}

func (a *ChainAllocator) group(blkno uint64) (*GroupDescriptor, error) {
	if g, ok := a.groups[blkno]; ok {
		return g, nil
	}
	g, err := readGroupDescriptor(a.fs.cache, blkno)
	if err != nil {
		return nil, err
	}
	a.groups[blkno] = g
	return g, nil
}

func (a *ChainAllocator) markDirty(blkno uint64) { a.dirty[blkno] = true }

// mostFreeChain returns the index of the chain with the most free bits,
// breaking ties by lowest index. Most-free-first keeps fragmentation
// down; the stable tie-break keeps allocation order deterministic.
// Chains with no free bits are skipped: a full chain is the normal state
// once its groups fill, not an allocation candidate, so -1 here means
// "exhausted, add a group" rather than corruption.
func (a *ChainAllocator) mostFreeChain() int {
	best, bestFree := -1, int64(-1)
	for i, c := range a.dinode.ChainList.Chains {
		if c.Blkno == 0 || c.Free == 0 {
			continue
		}
		if int64(c.Free) > bestFree {
			best, bestFree = i, int64(c.Free)
		}
	}
	return best
}

// AllocBit finds a free bit via the most-free-first chain policy, sets it,
// and updates every in-memory counter touched (group, chain record,
// dinode). Callers must call Write to persist the change.
func (a *ChainAllocator) AllocBit() (gdBlkno uint64, bit uint64, err error) {
	idx := a.mostFreeChain()
	if idx < 0 {
		// Every chain is full (or none exists yet); the caller grows the
		// allocator by a group and retries.
		return 0, 0, errors.Wrap(ErrBitNotFound, "no chain has free space")
	}
	chain := &a.dinode.ChainList.Chains[idx]
	blkno := chain.Blkno
	var absBit uint64
	for blkno != 0 {
		g, gerr := a.group(blkno)
		if gerr != nil {
			return 0, 0, gerr
		}
		if g.FreeBitsCount > 0 {
			bm := &groupBitmap{gd: g}
			b, ferr := bm.FindNextZeroBit(0)
			if ferr != nil {
				return 0, 0, errors.Wrap(ErrCorruptAllocator, "group free count disagrees with bitmap")
			}
			set, terr := bm.Test(b)
			if terr != nil || set {
				return 0, 0, errors.Wrap(ErrCorruptAllocator, "bit already set during alloc")
			}
			if err := bm.Set(b); err != nil {
				return 0, 0, err
			}
			g.FreeBitsCount--
			chain.Free--
			a.markDirty(blkno)
			return blkno, b, nil
		}
		blkno = g.NextGroup
	}
	_ = absBit
	return 0, 0, errors.Wrap(ErrCorruptAllocator, "chain record free count positive but every group is full")
}

// AllocRange finds the longest zero run of length in [min,max] within a
// single group (ranges never span groups), sets the bits, and
// returns its group, starting bit, and length.
func (a *ChainAllocator) AllocRange(min, max uint64) (gdBlkno, start, count uint64, err error) {
	for _, chain := range a.dinode.ChainList.Chains {
		blkno := chain.Blkno
		for blkno != 0 {
			g, gerr := a.group(blkno)
			if gerr != nil {
				return 0, 0, 0, gerr
			}
			bm := &groupBitmap{gd: g}
			rs, rl, rerr := LongestZeroRun(bm, 0, uint64(g.Bits))
			if rerr == nil && rl >= min {
				n := rl
				if n > max {
					n = max
				}
				if err := bm.SetRange(rs, n); err != nil {
					return 0, 0, 0, err
				}
				g.FreeBitsCount -= uint32(n)
				a.chainFor(blkno).Free -= uint32(n)
				a.markDirty(blkno)
				return blkno, rs, n, nil
			}
			blkno = g.NextGroup
		}
	}
	return 0, 0, 0, errors.Wrap(ErrBitNotFound, "no group has a long enough run")
}

func (a *ChainAllocator) chainFor(groupBlkno uint64) *ChainRecord {
	g := a.groups[groupBlkno]
	for i := range a.dinode.ChainList.Chains {
		if a.dinode.ChainList.Chains[i].Blkno == groupBlkno {
			return &a.dinode.ChainList.Chains[i]
		}
	}
	// Walk the chain to find which head owns this group.
	for i := range a.dinode.ChainList.Chains {
		b := a.dinode.ChainList.Chains[i].Blkno
		for b != 0 {
			if b == groupBlkno {
				return &a.dinode.ChainList.Chains[i]
			}
			gg, err := a.group(b)
			if err != nil {
				break
			}
			b = gg.NextGroup
		}
	}
	_ = g
	return &a.dinode.ChainList.Chains[0]
}

// FreeBit clears bitInGroup in the group descriptor at groupBlkno. It takes
// a (group, bit) pair, not an absolute bit index, and does not search the
// chains for the owning group. CorruptAllocator if the bit was already clear.
func (a *ChainAllocator) FreeBit(groupBlkno uint64, bitInGroup uint64) error {
	g, err := a.group(groupBlkno)
	if err != nil {
		return err
	}
	bm := &groupBitmap{gd: g}
	set, err := bm.Test(bitInGroup)
	if err != nil {
		return err
	}
	if !set {
		return errors.Wrapf(ErrCorruptAllocator, "bit %d in group %d already clear", bitInGroup, groupBlkno)
	}
	if err := bm.Clear(bitInGroup); err != nil {
		return err
	}
	g.FreeBitsCount++
	a.chainFor(groupBlkno).Free++
	a.markDirty(groupBlkno)
	return nil
}

// TestBit reports whether bitInGroup is set within the group at groupBlkno.
func (a *ChainAllocator) TestBit(groupBlkno uint64, bitInGroup uint64) (bool, error) {
	g, err := a.group(groupBlkno)
	if err != nil {
		return false, err
	}
	return (&groupBitmap{gd: g}).Test(bitInGroup)
}

// AddGroup formats a new group descriptor of bits bits at gdBlkno and
// links it at the head of the chain with the fewest groups, or starts a
// fresh chain record while unused ones remain. The backing clusters come
// from the cluster allocator (or from the caller's bump pointer during
// format; for the cluster allocator itself this is the bootstrap path).
func (a *ChainAllocator) AddGroup(gdBlkno uint64, bits uint32, generation uint32) (*GroupDescriptor, error) {
	cl := a.dinode.ChainList
	idx := a.shortestChain()
	if idx == len(cl.Chains) {
		cl.Chains = append(cl.Chains, ChainRecord{})
		cl.NextFreeRec++
	}
	chain := &cl.Chains[idx]

	g := &GroupDescriptor{
		Blkno:         gdBlkno,
		Bits:          bits,
		FreeBitsCount: bits,
		Chain:         uint16(idx),
		NextGroup:     chain.Blkno,
		ParentDinode:  a.dinode.Blkno,
		Generation:    generation,
		Bitmap:        make([]byte, (int(bits)+7)/8),
	}
	a.groups[gdBlkno] = g
	a.markDirty(gdBlkno)

	chain.Blkno = gdBlkno
	chain.Free += g.FreeBitsCount
	chain.Total += g.Bits
	return g, nil
}

// shortestChain returns the index of the chain with the fewest groups
//. While
// unused chain records remain it returns len(Chains), meaning "start a new
// chain" (an empty chain is the shortest possible).
func (a *ChainAllocator) shortestChain() int {
	cl := a.dinode.ChainList
	if int(cl.NextFreeRec) < int(cl.Count) && len(cl.Chains) < int(cl.Count) {
		return len(cl.Chains)
	}
	best, bestLen := 0, -1
	for i, c := range cl.Chains {
		n := 0
		b := c.Blkno
		for b != 0 {
			n++
			g, err := a.group(b)
			if err != nil {
				break
			}
			b = g.NextGroup
		}
		if bestLen == -1 || n < bestLen {
			best, bestLen = i, n
		}
	}
	return best
}

// Write flushes the allocator dinode and every group descriptor touched
// since load (or since the last Write).
func (a *ChainAllocator) Write() error {
	for blkno := range a.dirty {
		g := a.groups[blkno]
		if err := writeGroupDescriptor(a.fs.cache, g); err != nil {
			return err
		}
	}
	a.dirty = map[uint64]bool{}
	return WriteDinode(a.fs.cache, a.dinode)
}

// Dinode exposes the backing allocator inode (used by drivers reporting
// free-space summaries).
func (a *ChainAllocator) Dinode() *Dinode { return a.dinode }
