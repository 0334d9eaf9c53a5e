package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// Dinode on-disk layout: fixed prefix followed by a type-dependent
// union payload selected by Flags. Field widths and ordering match the
// struct field list in layout.go; DESIGN.md records the layout decisions.
const (
	dinodeCheckOffset  = 8
	dinodePayloadStart = 112
)

// marshalDinode renders d into a freshly allocated, blockSize-sized buffer
// with the check word stamped.
func marshalDinode(d *Dinode, blockSize uint32) ([]byte, error) {
	buf := make([]byte, blockSize)
	putSignature(buf, SignatureDinode)
	putUint64(buf[16:], d.Blkno)
	putUint32(buf[24:], d.FSGeneration)
	putUint32(buf[28:], d.Generation)
	putUint16(buf[32:], d.SuballocSlot)
	putUint16(buf[34:], d.SuballocBit)
	putUint64(buf[40:], d.SuballocLoc)
	putUint32(buf[48:], d.UID)
	putUint32(buf[52:], d.GID)
	putUint16(buf[56:], d.Mode)
	putUint16(buf[58:], d.Links)
	putUint32(buf[64:], d.Flags)
	putUint64(buf[72:], d.Size)
	putUint32(buf[80:], d.Clusters)
	putUint64(buf[88:], uint64(d.CTime))
	putUint64(buf[96:], uint64(d.MTime))
	putUint64(buf[104:], uint64(d.ATime))

	payload := buf[dinodePayloadStart:]
	switch {
	case d.IsSuperblock():
		if d.Superblock == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "dinode flagged superblock but has no payload")
		}
		encodeSuperblockInfo(payload, d.Superblock)
	case d.IsChainAlloc():
		if d.ChainList == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "dinode flagged chain allocator but has no payload")
		}
		encodeChainList(payload, d.ChainList)
	case d.IsLocalAlloc():
		if d.LocalAlloc == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "dinode flagged local alloc but has no payload")
		}
		encodeLocalAlloc(payload, d.LocalAlloc)
	case d.Flags&flagTruncateLog != 0:
		if d.TruncateLog == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "dinode flagged truncate log but has no payload")
		}
		encodeTruncateLog(payload, d.TruncateLog)
	case d.IsInlineData():
		copy(payload, d.InlineData)
	default:
		// Regular file/dir/refcount-bearing inode: extent tree (possibly
		// empty) plus an optional refcount root recorded alongside it.
		list := d.ExtentTree
		if list == nil {
			list = &ExtentList{}
		}
		encodeExtentList(payload[:extentListSpan(blockSize)], list)
		if d.HasRefcount() && d.Refcount != nil {
			encodeRefcountRoot(payload[extentListSpan(blockSize):], d.Refcount)
		}
	}

	stampCheck(buf, dinodeCheckOffset)
	return buf, nil
}

// extentListSpan reserves most of the remaining block for the extent list,
// leaving a fixed tail for an optional refcount root pointer so both can
// coexist in the union the way a reflinked file's dinode does.
func extentListSpan(blockSize uint32) int {
	return int(blockSize) - dinodePayloadStart - refcountRootSpan
}

// unmarshalDinode parses buf (one block) into a Dinode, verifying signature
// and checksum first.
func unmarshalDinode(buf []byte, blockSize uint32) (*Dinode, error) {
	if !checkSignature(buf, SignatureDinode) {
		return nil, &BadMagicError{Expected: SignatureDinode, Found: string(trimNUL(buf[0:8])), Blkno: getUint64(buf[16:])}
	}
	blkno := getUint64(buf[16:])
	if err := verifyCheck(buf, dinodeCheckOffset, blkno); err != nil {
		return nil, err
	}
	d := &Dinode{
		Blkno:        blkno,
		FSGeneration: getUint32(buf[24:]),
		Generation:   getUint32(buf[28:]),
		SuballocSlot: getUint16(buf[32:]),
		SuballocBit:  getUint16(buf[34:]),
		SuballocLoc:  getUint64(buf[40:]),
		UID:          getUint32(buf[48:]),
		GID:          getUint32(buf[52:]),
		Mode:         getUint16(buf[56:]),
		Links:        getUint16(buf[58:]),
		Flags:        getUint32(buf[64:]),
		Size:         getUint64(buf[72:]),
		Clusters:     getUint32(buf[80:]),
		CTime:        int64(getUint64(buf[88:])),
		MTime:        int64(getUint64(buf[96:])),
		ATime:        int64(getUint64(buf[104:])),
	}

	payload := buf[dinodePayloadStart:]
	switch {
	case d.IsSuperblock():
		d.Superblock = decodeSuperblockInfo(payload)
	case d.IsChainAlloc():
		d.ChainList = decodeChainList(payload)
	case d.IsLocalAlloc():
		d.LocalAlloc = decodeLocalAlloc(payload)
	case d.Flags&flagTruncateLog != 0:
		d.TruncateLog = decodeTruncateLog(payload)
	case d.IsInlineData():
		d.InlineData = append([]byte(nil), payload...)
	default:
		span := extentListSpan(blockSize)
		d.ExtentTree = decodeExtentList(payload[:span])
		if d.HasRefcount() {
			d.Refcount = decodeRefcountRoot(payload[span:])
		}
	}
	return d, nil
}

// ReadDinode loads and validates the dinode at blkno.
func ReadDinode(c *Cache, blkno uint64) (*Dinode, error) {
	buf, err := c.ReadBlock(blkno)
	if err != nil {
		return nil, err
	}
	d, err := unmarshalDinode(buf, c.BlockSize())
	if err != nil {
		return nil, err
	}
	if d.Blkno != blkno {
		return nil, errors.Wrapf(ErrInodeNotValid, "dinode at %d claims blkno %d", blkno, d.Blkno)
	}
	return d, nil
}

// WriteDinode marshals and writes d through the cache.
func WriteDinode(c *Cache, d *Dinode) error {
	buf, err := marshalDinode(d, c.BlockSize())
	if err != nil {
		return err
	}
	return c.WriteBlock(d.Blkno, buf)
}

// flagTruncateLog marks a dinode as a per-slot deferred-free log;
// kept out of layout.go's exported flag block because it is an internal
// payload discriminator rather than one the CLI surfaces report.
const flagTruncateLog uint32 = 1 << 16
