package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Superblock payload field offsets within the dinode union, packed
// tightly; DESIGN.md records the layout decisions.
const (
	sbOffMajorVersion      = 0
	sbOffMinorVersion      = 2
	sbOffMountCount        = 4
	sbOffMaxMountCount     = 6
	sbOffState             = 8
	sbOffErrorsPolicy      = 10
	sbOffLastCheckEpoch    = 12
	sbOffCreatorOS         = 20
	sbOffCompatFeatures    = 24
	sbOffIncompatFeatures  = 28
	sbOffRoCompatFeatures  = 32
	sbOffRootBlkno         = 36
	sbOffSystemDirBlkno    = 44
	sbOffLogBlockSize      = 52
	sbOffLogClusterSize    = 53
	sbOffMaxSlots          = 54
	sbOffFirstClusterGroup = 56
	sbOffLabel             = 64
	sbLabelLen             = 64
	sbOffUUID              = 128
	sbOffClusterStackLabel = 144
	sbClusterStackLen      = 16
	sbOffClusterName       = 160
	sbClusterNameLen       = 16
	sbOffTunefsInProgress  = 176
	sbPayloadLen           = 180
)

func encodeSuperblockInfo(buf []byte, s *SuperblockInfo) {
	putUint16(buf[sbOffMajorVersion:], s.MajorVersion)
	putUint16(buf[sbOffMinorVersion:], s.MinorVersion)
	putUint16(buf[sbOffMountCount:], s.MountCount)
	putUint16(buf[sbOffMaxMountCount:], s.MaxMountCount)
	putUint16(buf[sbOffState:], s.State)
	putUint16(buf[sbOffErrorsPolicy:], s.ErrorsPolicy)
	putUint64(buf[sbOffLastCheckEpoch:], uint64(s.LastCheckEpoch))
	putUint32(buf[sbOffCreatorOS:], s.CreatorOS)
	putUint32(buf[sbOffCompatFeatures:], s.CompatFeatures)
	putUint32(buf[sbOffIncompatFeatures:], s.IncompatFeatures)
	putUint32(buf[sbOffRoCompatFeatures:], s.RoCompatFeatures)
	putUint64(buf[sbOffRootBlkno:], s.RootBlkno)
	putUint64(buf[sbOffSystemDirBlkno:], s.SystemDirBlkno)
	buf[sbOffLogBlockSize] = s.LogBlockSize
	buf[sbOffLogClusterSize] = s.LogClusterSize
	putUint16(buf[sbOffMaxSlots:], s.MaxSlots)
	putUint64(buf[sbOffFirstClusterGroup:], s.FirstClusterGroup)
	putFixedString(buf[sbOffLabel:sbOffLabel+sbLabelLen], s.Label)
	copy(buf[sbOffUUID:sbOffUUID+16], s.UUID[:])
	putFixedString(buf[sbOffClusterStackLabel:sbOffClusterStackLabel+sbClusterStackLen], s.ClusterStackLabel)
	putFixedString(buf[sbOffClusterName:sbOffClusterName+sbClusterNameLen], s.ClusterName)
	putUint32(buf[sbOffTunefsInProgress:], s.TunefsInProgress)
}

func decodeSuperblockInfo(buf []byte) *SuperblockInfo {
	s := &SuperblockInfo{
		MajorVersion:      getUint16(buf[sbOffMajorVersion:]),
		MinorVersion:      getUint16(buf[sbOffMinorVersion:]),
		MountCount:        getUint16(buf[sbOffMountCount:]),
		MaxMountCount:     getUint16(buf[sbOffMaxMountCount:]),
		State:             getUint16(buf[sbOffState:]),
		ErrorsPolicy:      getUint16(buf[sbOffErrorsPolicy:]),
		LastCheckEpoch:    int64(getUint64(buf[sbOffLastCheckEpoch:])),
		CreatorOS:         getUint32(buf[sbOffCreatorOS:]),
		CompatFeatures:    getUint32(buf[sbOffCompatFeatures:]),
		IncompatFeatures:  getUint32(buf[sbOffIncompatFeatures:]),
		RoCompatFeatures:  getUint32(buf[sbOffRoCompatFeatures:]),
		RootBlkno:         getUint64(buf[sbOffRootBlkno:]),
		SystemDirBlkno:    getUint64(buf[sbOffSystemDirBlkno:]),
		LogBlockSize:      buf[sbOffLogBlockSize],
		LogClusterSize:    buf[sbOffLogClusterSize],
		MaxSlots:          getUint16(buf[sbOffMaxSlots:]),
		FirstClusterGroup: getUint64(buf[sbOffFirstClusterGroup:]),
		Label:             getFixedString(buf[sbOffLabel : sbOffLabel+sbLabelLen]),
		ClusterStackLabel:  getFixedString(buf[sbOffClusterStackLabel : sbOffClusterStackLabel+sbClusterStackLen]),
		ClusterName:        getFixedString(buf[sbOffClusterName : sbOffClusterName+sbClusterNameLen]),
		TunefsInProgress:   getUint32(buf[sbOffTunefsInProgress:]),
	}
	copy(s.UUID[:], buf[sbOffUUID:sbOffUUID+16])
	return s
}

// Filesystem is the open handle returned by Open: the block cache,
// the decoded superblock, and lazily-loaded system allocators. One handle
// is single-threaded; concurrency comes from separate handles plus
// the DLM glue serializing cluster-wide metadata access.
type Filesystem struct {
	cache *Cache

	Super       *SuperblockInfo
	BlockSize_  uint32
	ClusterSize uint32
	UUID        uuid.UUID

	Slot uint16 // which per-slot system inode set this handle uses

	globalBitmapBlkno uint64
	clusterAlloc      *ChainAllocator
}

func (fs *Filesystem) BlockSize() uint32 { return fs.BlockSize_ }

func clusterSizeFromLog(logClusterSize uint8) uint32 { return 1 << logClusterSize }
func blockSizeFromLog(logBlockSize uint8) uint32     { return 1 << logBlockSize }

// Open probes blocksizes 512, 1024, 2048, 4096 in order, reading
// the candidate dinode at SuperBlockBlkno for each until one carries the
// OCFSV2 signature. readOnly is forwarded to OpenDevice.
func Open(path string, readOnly bool) (*Filesystem, error) {
	dev, err := OpenDevice(path, readOnly)
	if err != nil {
		return nil, err
	}
	fs, err := openDevice(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return fs, nil
}

// OpenDeviceHandle opens an already-constructed BlockDevice (used by tests
// and fswreck-style harnesses against a MemDevice).
func OpenDeviceHandle(dev BlockDevice) (*Filesystem, error) {
	return openDevice(dev)
}

func openDevice(dev BlockDevice) (*Filesystem, error) {
	size, err := dev.Size()
	if err != nil {
		return nil, errors.Wrap(ErrIO, "stat device")
	}

	// OCFS1 rejection: a legacy header lives at blocks 0..1 regardless of
	// the eventual OCFS2 blocksize; its signature is checked first so a
	// stale OCFS1 volume fails fast with IsOcfs1 rather than NotOcfs2.
	head := make([]byte, 512)
	if n, _ := dev.ReadAt(head, 0); n == len(head) {
		if bytes.HasPrefix(head, []byte(SignatureOcfs1)) {
			return nil, errors.Wrap(ErrIsOcfs1, "device")
		}
	}

	for _, bs := range CandidateBlockSizes {
		off := int64(SuperBlockBlkno) * int64(bs)
		if off+int64(bs) > size {
			continue
		}
		buf := make([]byte, bs)
		if n, _ := dev.ReadAt(buf, off); n != len(buf) {
			continue
		}
		if !checkSignature(buf, SignatureDinode) {
			continue
		}
		d, err := unmarshalDinode(buf, bs)
		if err != nil {
			continue
		}
		if !d.IsSuperblock() || d.Superblock == nil {
			continue
		}
		if getFixedString(buf[0:8]) == "" {
			continue
		}
		return newFilesystem(dev, bs, d)
	}
	return nil, errors.Wrap(ErrNotOcfs2, "no candidate blocksize produced a valid superblock")
}

func newFilesystem(dev BlockDevice, blockSize uint32, d *Dinode) (*Filesystem, error) {
	s := d.Superblock
	fs := &Filesystem{
		cache:       NewCache(dev, blockSize, 64),
		Super:       s,
		BlockSize_:  blockSize,
		ClusterSize: clusterSizeFromLog(s.LogClusterSize),
	}
	copy(fs.UUID[:], s.UUID[:])
	return fs, nil
}

// Close flushes the cache and releases the device.
func (fs *Filesystem) Close() error { return fs.cache.Close() }

// Cache exposes the block cache for lower-level code in this package and
// for fsck/debugfs-style direct block access.
func (fs *Filesystem) Cache() *Cache { return fs.cache }

// GlobalBitmap loads (or returns the cached) chain allocator view of the
// global cluster bitmap, whose dinode lives in the system directory under
// the name "global_bitmap".
func (fs *Filesystem) GlobalBitmap() (*ChainAllocator, error) {
	if fs.clusterAlloc != nil {
		return fs.clusterAlloc, nil
	}
	if fs.globalBitmapBlkno == 0 {
		blkno, err := fs.LookupSystemInode(SystemFileGlobalBitmap, AnySlot)
		if err != nil {
			return nil, err
		}
		fs.globalBitmapBlkno = blkno
	}
	a, err := LoadChainAllocator(fs, fs.globalBitmapBlkno)
	if err != nil {
		return nil, err
	}
	fs.clusterAlloc = a
	return a, nil
}

// TotalClusters reports the volume size in clusters, as accounted on the
// global bitmap inode (i_clusters on the bitmap dinode is authoritative;
// the superblock itself does not carry a cluster count).
func (fs *Filesystem) TotalClusters() uint64 {
	gb, err := fs.GlobalBitmap()
	if err != nil {
		return 0
	}
	return uint64(gb.dinode.Clusters)
}

// ClusterToBlkno converts a cluster number to its first physical block.
func (fs *Filesystem) ClusterToBlkno(cluster uint64) uint64 {
	return cluster * uint64(fs.ClusterSize/fs.BlockSize_)
}

// AllocClusters allocates count contiguous clusters from the global
// bitmap via alloc_range and returns the first cluster number.
func (fs *Filesystem) AllocClusters(count uint32) (uint32, error) {
	gb, err := fs.GlobalBitmap()
	if err != nil {
		return 0, err
	}
	gdBlkno, start, got, err := gb.AllocRange(uint64(count), uint64(count))
	if err != nil {
		return 0, err
	}
	if got != uint64(count) {
		return 0, errors.Wrap(ErrNoSpace, "could not satisfy full request contiguously")
	}
	if err := gb.Write(); err != nil {
		return 0, err
	}
	abs, err := fs.absoluteClusterOf(gb, gdBlkno, start)
	if err != nil {
		return 0, err
	}
	return uint32(abs), nil
}

// FreeClusters returns a physical block range to the global bitmap,
// expressed as whole clusters starting at the cluster containing blkno.
func (fs *Filesystem) FreeClusters(blkno uint64, clusters uint32) error {
	gb, err := fs.GlobalBitmap()
	if err != nil {
		return err
	}
	blocksPerCluster := uint64(fs.ClusterSize / fs.BlockSize_)
	startCluster := blkno / blocksPerCluster
	for i := uint32(0); i < clusters; i++ {
		if err := fs.freeOneClusterBit(gb, startCluster+uint64(i)); err != nil {
			return err
		}
	}
	return gb.Write()
}

func (fs *Filesystem) freeOneClusterBit(gb *ChainAllocator, absCluster uint64) error {
	gdBlkno, bit, err := fs.locateClusterBit(gb, absCluster)
	if err != nil {
		return err
	}
	return gb.FreeBit(gdBlkno, bit)
}

// clusterGroupBase returns the absolute cluster a cluster-bitmap group's
// bit 0 denotes. A group's descriptor lives inside its own range, so the
// base is the descriptor's cluster rounded down to a cl_cpg boundary
// (group 0's descriptor floats above the superblock but still rounds to
// base 0).
func clusterGroupBase(gb *ChainAllocator, gdBlkno uint64, bpc uint64) uint64 {
	cpg := uint64(gb.dinode.ChainList.ClustersPerGroup)
	descCluster := gdBlkno / bpc
	return (descCluster / cpg) * cpg
}

// absoluteClusterOf is the inverse of locateClusterBit: it maps a
// (group descriptor, bit) pair back to an absolute cluster index.
func (fs *Filesystem) absoluteClusterOf(gb *ChainAllocator, gdBlkno uint64, bit uint64) (uint64, error) {
	bpc := uint64(fs.ClusterSize / fs.BlockSize_)
	return clusterGroupBase(gb, gdBlkno, bpc) + bit, nil
}

// locateClusterBit finds which group descriptor owns absolute cluster
// index absCluster: the group whose descriptor sits in the same
// cl_cpg-aligned window, found by scanning the chains.
func (fs *Filesystem) locateClusterBit(gb *ChainAllocator, absCluster uint64) (gdBlkno uint64, bit uint64, err error) {
	bpc := uint64(fs.ClusterSize / fs.BlockSize_)
	cpg := uint64(gb.dinode.ChainList.ClustersPerGroup)
	wantBase := (absCluster / cpg) * cpg
	for _, c := range gb.dinode.ChainList.Chains {
		b := c.Blkno
		for b != 0 {
			g, gerr := gb.group(b)
			if gerr != nil {
				return 0, 0, gerr
			}
			base := clusterGroupBase(gb, b, bpc)
			if base == wantBase && absCluster < base+uint64(g.Bits) {
				return b, absCluster - base, nil
			}
			b = g.NextGroup
		}
	}
	return 0, 0, errors.Wrapf(ErrInvalidBit, "cluster %d not covered by any group", absCluster)
}

// AllocExtentBlock allocates one extent block from this slot's extent
// block suballocator and returns its block number together with the
// (group, bit) back-pointer the caller must stamp onto the new block's
// SuballocLoc/SuballocBit fields.
func (fs *Filesystem) AllocExtentBlock() (blkno, gdBlkno, bit uint64, err error) {
	a, err := fs.extentBlockAllocator()
	if err != nil {
		return 0, 0, 0, err
	}
	gdBlkno, bit, err = fs.suballocAllocBit(a)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := a.Write(); err != nil {
		return 0, 0, 0, err
	}
	blkno, err = suballocBlkno(gdBlkno, bit)
	return blkno, gdBlkno, bit, err
}

// FreeExtentBlock returns an extent block to the extent-block
// suballocator, using the back-pointer it was stamped with at alloc time.
func (fs *Filesystem) FreeExtentBlock(blkno uint64) error {
	b, err := readExtentBlock(fs.cache, blkno)
	if err != nil {
		return err
	}
	a, err := fs.extentBlockAllocator()
	if err != nil {
		return err
	}
	if err := a.FreeBit(b.SuballocLoc, uint64(b.SuballocBit)); err != nil {
		return err
	}
	return a.Write()
}

// FreeSuballocatedBlock returns any suballocated metadata block to the
// allocator that issued it, found through the owning group descriptor's
// parent pointer. Used where the block's own header (not an extent block)
// carries the (group, bit) pair.
func (fs *Filesystem) FreeSuballocatedBlock(gdBlkno uint64, bit uint64) error {
	g, err := readGroupDescriptor(fs.cache, gdBlkno)
	if err != nil {
		return err
	}
	a, err := LoadChainAllocator(fs, g.ParentDinode)
	if err != nil {
		return err
	}
	if err := a.FreeBit(gdBlkno, bit); err != nil {
		return err
	}
	return a.Write()
}

func (fs *Filesystem) extentBlockAllocator() (*ChainAllocator, error) {
	blkno, err := fs.LookupSystemInode(SystemFileExtentAlloc, fs.Slot)
	if err != nil {
		return nil, err
	}
	return LoadChainAllocator(fs, blkno)
}

// suballocBlkno maps a (group descriptor, bit) pair to the physical block
// it denotes. Inode and extent-block suballocator groups address whole
// blocks one bit per block, with the group's own descriptor in the block
// just before bit 0 (so the bitmap's bit i sits at g.Blkno+1+i).
func suballocBlkno(gdBlkno uint64, bit uint64) (uint64, error) {
	return gdBlkno + 1 + bit, nil
}
