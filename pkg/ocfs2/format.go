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

// FormatOptions parameterizes Format.
type FormatOptions struct {
	BlockSize       uint32
	ClusterSize     uint32
	Slots           uint16
	Label           string
	Features        FeatureFlags
	JournalClusters uint32 // per-slot; 0 picks a size from the volume
	TotalBlocks     uint64 // 0 derives from the device size
	UUID            uuid.UUID

	// Interrupted is polled between progress steps;
	// returning true aborts with ErrInterrupted before the next write.
	Interrupted func() bool
}

// formatter carries the in-flight state of one mkfs run: the nascent
// filesystem handle, the geometry, and the scratch bitmap tracking which
// clusters the layout has consumed.
type formatter struct {
	fs   *Filesystem
	opts *FormatOptions
	log  elog.View

	bpc           uint32 // blocks per cluster
	totalClusters uint64
	superCluster  uint64
	firstHead     uint64 // cluster holding cluster-group 0's descriptor
	cpg           uint32 // clusters (= bits) per cluster group
	numGroups     uint64
	fsGen         uint32

	used   *MemBitmap // cluster-granularity scratch map of the layout
	cursor uint64     // bump-allocation origin

	gia        *ChainAllocator // global inode suballocator
	backupBlks []uint64
}

// Format writes a fresh OCFS2 volume onto dev. Every metadata
// structure except the superblock is written first; the superblock lands
// last so an interrupted run leaves an unopenable (rather than corrupt)
// device.
func Format(dev BlockDevice, opts FormatOptions, log elog.View) error {
	f, err := newFormatter(dev, &opts, log)
	if err != nil {
		return err
	}
	return f.run()
}

func newFormatter(dev BlockDevice, opts *FormatOptions, log elog.View) (*formatter, error) {
	if err := validateFormatOptions(dev, opts); err != nil {
		return nil, err
	}
	bs, cs := opts.BlockSize, opts.ClusterSize
	bpc := cs / bs

	totalBlocks := opts.TotalBlocks
	if totalBlocks == 0 {
		size, err := dev.Size()
		if err != nil {
			return nil, errors.Wrap(ErrIO, "stat device")
		}
		totalBlocks = uint64(size) / uint64(bs)
	}
	totalClusters := totalBlocks / uint64(bpc)

	maxGroupBits := uint64(8 * (bs - uint32(groupDescHeaderLen)))
	if maxGroupBits > 65535 {
		maxGroupBits = 65535
	}
	cpg := totalClusters
	if cpg > maxGroupBits {
		cpg = maxGroupBits
	}
	superCluster := uint64(SuperBlockBlkno) / uint64(bpc)
	firstHead := superCluster + 1
	if totalClusters < firstHead+8 {
		return nil, errors.Wrapf(ErrNoSpace, "volume of %d clusters is too small", totalClusters)
	}

	if opts.UUID == (uuid.UUID{}) {
		opts.UUID = uuid.New()
	}
	fsGen := getUint32(opts.UUID[:4])
	if fsGen == 0 {
		fsGen = 0x10ca1ed
	}

	f := &formatter{
		opts:          opts,
		log:           log,
		bpc:           bpc,
		totalClusters: totalClusters,
		superCluster:  superCluster,
		firstHead:     firstHead,
		cpg:           uint32(cpg),
		numGroups:     (totalClusters + cpg - 1) / cpg,
		fsGen:         fsGen,
		used:          NewMemBitmap(totalClusters),
		cursor:        firstHead + 1,
	}

	f.fs = &Filesystem{
		cache:       NewCache(dev, bs, 0),
		BlockSize_:  bs,
		ClusterSize: cs,
	}
	return f, nil
}

func validateFormatOptions(dev BlockDevice, opts *FormatOptions) error {
	bs, cs := opts.BlockSize, opts.ClusterSize
	if bs < MinBlockSize || bs > MaxBlockSize || bs&(bs-1) != 0 {
		return errors.Wrapf(ErrInvalidArgument, "blocksize %d", bs)
	}
	if cs < MinClusterSize || cs < bs || cs&(cs-1) != 0 {
		return errors.Wrapf(ErrInvalidArgument, "clustersize %d", cs)
	}
	if opts.Slots < 1 || opts.Slots > MaxSlots {
		return errors.Wrapf(ErrInvalidArgument, "%d slots", opts.Slots)
	}
	if len(opts.Label) > sbLabelLen {
		return errors.Wrapf(ErrInvalidArgument, "label longer than %d bytes", sbLabelLen)
	}
	return CheckSupported(opts.Features)
}

func (f *formatter) interrupted() error {
	if f.opts.Interrupted != nil && f.opts.Interrupted() {
		return errors.Wrap(ErrInterrupted, "format")
	}
	return nil
}

// markClusters reserves [start, start+n) in the scratch map.
func (f *formatter) markClusters(start, n uint64) error {
	return f.used.SetRange(start, n)
}

// allocClusters bump-allocates n contiguous clusters, first-fit from the
// cursor, skipping anything the layout already claimed.
func (f *formatter) allocClusters(n uint64) (uint64, error) {
	for start := f.cursor; start+n <= f.totalClusters; start++ {
		ok := true
		for i := uint64(0); i < n; i++ {
			set, err := f.used.Test(start + i)
			if err != nil {
				return 0, err
			}
			if set {
				ok = false
				start += i // resume past the collision
				break
			}
		}
		if ok {
			if err := f.used.SetRange(start, n); err != nil {
				return 0, err
			}
			return start, nil
		}
	}
	return 0, errors.Wrapf(ErrNoSpace, "no room for %d clusters", n)
}

func (f *formatter) clusterBlk(cluster uint64) uint64 { return cluster * uint64(f.bpc) }

func (f *formatter) run() error {
	// Reserve the fixed layout before anything floats: the legacy header
	// plus superblock clusters, every cluster-group descriptor cluster,
	// and the backup superblock clusters.
	if err := f.markClusters(0, f.superCluster+1); err != nil {
		return err
	}
	if err := f.markClusters(f.firstHead, 1); err != nil {
		return err
	}
	for i := uint64(1); i < f.numGroups; i++ {
		if err := f.markClusters(i*uint64(f.cpg), 1); err != nil {
			return err
		}
	}
	if f.opts.Features.Compat&CompatBackupSB != 0 {
		for _, off := range BackupSuperblockOffsets {
			blk := off / uint64(f.opts.BlockSize)
			cl := blk / uint64(f.bpc)
			if cl >= f.totalClusters {
				break
			}
			f.backupBlks = append(f.backupBlks, blk)
			if err := f.markClusters(cl, 1); err != nil {
				return err
			}
		}
	}
	if err := f.interrupted(); err != nil {
		return err
	}

	// Global inode suballocator: one group sized for every system inode.
	sysInodes := 6 + 6*int(f.opts.Slots)
	if f.opts.Features.RoCompat&RoCompatUsrQuota != 0 {
		sysInodes++
	}
	if f.opts.Features.RoCompat&RoCompatGrpQuota != 0 {
		sysInodes++
	}
	if err := f.initGlobalInodeAlloc(sysInodes); err != nil {
		return err
	}

	sysDir, err := f.newSystemInode(FlagSystem | FlagDir)
	if err != nil {
		return err
	}
	rootDir, err := f.newSystemInode(FlagSystem | FlagDir)
	if err != nil {
		return err
	}
	bitmapInode, err := f.newSystemInode(FlagSystem | FlagBitmap | FlagChain)
	if err != nil {
		return err
	}
	slotMap, err := f.newSystemInode(FlagSystem)
	if err != nil {
		return err
	}
	heartbeat, err := f.newSystemInode(FlagSystem)
	if err != nil {
		return err
	}

	type slotFiles struct {
		extentAlloc, inodeAlloc, journal, localAlloc, truncateLog, orphanDir *Dinode
	}
	slots := make([]slotFiles, f.opts.Slots)
	for s := range slots {
		if slots[s].extentAlloc, err = f.newSystemInode(FlagSystem | FlagChain); err != nil {
			return err
		}
		if slots[s].inodeAlloc, err = f.newSystemInode(FlagSystem | FlagChain); err != nil {
			return err
		}
		if slots[s].journal, err = f.newSystemInode(FlagSystem | FlagJournal); err != nil {
			return err
		}
		if slots[s].localAlloc, err = f.newSystemInode(FlagSystem | FlagLocalAlloc); err != nil {
			return err
		}
		if slots[s].truncateLog, err = f.newSystemInode(FlagSystem | flagTruncateLog); err != nil {
			return err
		}
		if slots[s].orphanDir, err = f.newSystemInode(FlagSystem | FlagDir | FlagOrphan); err != nil {
			return err
		}
	}
	var usrQuota, grpQuota *Dinode
	if f.opts.Features.RoCompat&RoCompatUsrQuota != 0 {
		if usrQuota, err = f.newSystemInode(FlagSystem | FlagQuota); err != nil {
			return err
		}
	}
	if f.opts.Features.RoCompat&RoCompatGrpQuota != 0 {
		if grpQuota, err = f.newSystemInode(FlagSystem | FlagQuota); err != nil {
			return err
		}
	}
	if err := f.interrupted(); err != nil {
		return err
	}

	// Per-slot payloads and data runs, all claimed from the scratch map.
	journalClusters := f.opts.JournalClusters
	if journalClusters == 0 {
		journalClusters = defaultJournalClusters(f.totalClusters)
	}
	for s := range slots {
		run, err := f.allocClusters(uint64(journalClusters))
		if err != nil {
			return err
		}
		if err := f.fileWithRun(slots[s].journal, run, journalClusters); err != nil {
			return err
		}
		// A zeroed first block keeps journal replay from chasing stale
		// device contents.
		if err := f.fs.cache.WriteBlock(f.clusterBlk(run), make([]byte, f.opts.BlockSize)); err != nil {
			return err
		}

		slots[s].localAlloc.LocalAlloc = &LocalAllocPayload{}
		slots[s].truncateLog.TruncateLog = &TruncateLogPayload{Count: truncateLogCapacity(f.opts.BlockSize)}
		f.initEmptySuballoc(slots[s].extentAlloc)
		f.initEmptySuballoc(slots[s].inodeAlloc)
	}

	for _, d := range []*Dinode{slotMap, heartbeat} {
		run, err := f.allocClusters(1)
		if err != nil {
			return err
		}
		if err := f.fileWithRun(d, run, 1); err != nil {
			return err
		}
		if err := f.zeroCluster(run); err != nil {
			return err
		}
	}

	// Directories: root, orphan dirs, and the system directory sized for
	// its full census of names.
	if err := f.formatDirectory(rootDir, rootDir.Blkno, 1); err != nil {
		return err
	}
	for s := range slots {
		if err := f.formatDirectory(slots[s].orphanDir, sysDir.Blkno, 1); err != nil {
			return err
		}
	}
	sysDirClusters := f.systemDirClusters(sysInodes)
	if err := f.formatDirectory(sysDir, sysDir.Blkno, sysDirClusters); err != nil {
		return err
	}
	if err := f.interrupted(); err != nil {
		return err
	}

	// The global bitmap groups are cut from the finished scratch map, so
	// every cluster consumed above is already accounted allocated.
	if err := f.writeClusterBitmap(bitmapInode); err != nil {
		return err
	}

	// Flush group descriptors and dinodes before any directory entry
	// points at them.
	if err := f.gia.Write(); err != nil {
		return err
	}
	allDinodes := []*Dinode{sysDir, rootDir, bitmapInode, slotMap, heartbeat}
	for s := range slots {
		allDinodes = append(allDinodes,
			slots[s].extentAlloc, slots[s].inodeAlloc, slots[s].journal,
			slots[s].localAlloc, slots[s].truncateLog, slots[s].orphanDir)
	}
	if usrQuota != nil {
		allDinodes = append(allDinodes, usrQuota)
	}
	if grpQuota != nil {
		allDinodes = append(allDinodes, grpQuota)
	}
	for _, d := range allDinodes {
		if err := WriteDinode(f.fs.cache, d); err != nil {
			return err
		}
	}

	// Superblock fields must exist on the handle before directory Link
	// calls resolve system inodes through it.
	f.fs.Super = &SuperblockInfo{
		MajorVersion:      2,
		MaxMountCount:     20,
		CompatFeatures:    f.opts.Features.Compat,
		IncompatFeatures:  f.opts.Features.Incompat,
		RoCompatFeatures:  f.opts.Features.RoCompat,
		RootBlkno:         rootDir.Blkno,
		SystemDirBlkno:    sysDir.Blkno,
		LogBlockSize:      log2(f.opts.BlockSize),
		LogClusterSize:    log2(f.opts.ClusterSize),
		MaxSlots:          f.opts.Slots,
		FirstClusterGroup: f.clusterBlk(f.firstHead),
		Label:             f.opts.Label,
	}
	copy(f.fs.Super.UUID[:], f.opts.UUID[:])

	slotArr := make([][6]*Dinode, len(slots))
	for i, s := range slots {
		slotArr[i] = [6]*Dinode{s.extentAlloc, s.inodeAlloc, s.journal, s.localAlloc, s.truncateLog, s.orphanDir}
	}
	if err := f.populateSystemDir(sysDir, slotArr, usrQuota, grpQuota, bitmapInode, slotMap, heartbeat); err != nil {
		return err
	}

	// Quota headers go through the regular allocator path now that the
	// bitmap and system directory are live.
	if usrQuota != nil {
		if err := InitQuotaFile(f.fs, usrQuota, QuotaTypeUser); err != nil {
			return err
		}
	}
	if grpQuota != nil {
		if err := InitQuotaFile(f.fs, grpQuota, QuotaTypeGroup); err != nil {
			return err
		}
	}
	if err := f.interrupted(); err != nil {
		return err
	}

	// Legacy header, backups, then the one write that makes the volume
	// real.
	if err := f.writeLegacyHeader(); err != nil {
		return err
	}
	if err := f.writeSuperblocks(); err != nil {
		return err
	}
	return f.fs.cache.Flush()
}

// initGlobalInodeAlloc lays down the one suballocator every system inode
// is cut from, bit 0 being the allocator's own dinode.
func (f *formatter) initGlobalInodeAlloc(sysInodes int) error {
	blocksNeeded := uint64(sysInodes) + 2 // +1 descriptor, +1 self
	groupClusters := (blocksNeeded + uint64(f.bpc) - 1) / uint64(f.bpc)
	start, err := f.allocClusters(groupClusters)
	if err != nil {
		return err
	}
	gdBlkno := f.clusterBlk(start)
	bits := uint32(groupClusters)*f.bpc - 1

	d := &Dinode{
		Blkno:        gdBlkno + 1,
		FSGeneration: f.fsGen,
		Generation:   f.fsGen,
		Flags:        FlagValid | FlagSystem | FlagChain,
		Links:        1,
		Clusters:     uint32(groupClusters),
		Size:         groupClusters * uint64(f.opts.ClusterSize),
		ChainList: &ChainList{
			ClustersPerGroup: uint16(groupClusters),
			BitsPerCluster:   uint8(f.bpc),
			Count:            uint16(chainListCapacity(f.opts.BlockSize)),
		},
	}
	f.gia = &ChainAllocator{fs: f.fs, dinode: d, groups: map[uint64]*GroupDescriptor{}, dirty: map[uint64]bool{}}
	if _, err := f.gia.AddGroup(gdBlkno, bits, f.fsGen); err != nil {
		return err
	}

	// Bit 0 is the allocator inode itself.
	gd, bit, err := f.gia.AllocBit()
	if err != nil {
		return err
	}
	d.SuballocSlot = AnySlot
	d.SuballocBit = uint16(bit)
	d.SuballocLoc = gd
	return nil
}

// newSystemInode carves the next dinode out of the global inode allocator.
func (f *formatter) newSystemInode(flags uint32) (*Dinode, error) {
	gd, bit, err := f.gia.AllocBit()
	if err != nil {
		return nil, err
	}
	blkno, err := suballocBlkno(gd, bit)
	if err != nil {
		return nil, err
	}
	return &Dinode{
		Blkno:        blkno,
		FSGeneration: f.fsGen,
		Generation:   f.fsGen ^ uint32(blkno),
		SuballocSlot: AnySlot,
		SuballocBit:  uint16(bit),
		SuballocLoc:  gd,
		Links:        1,
		Flags:        FlagValid | flags,
	}, nil
}

func (f *formatter) initEmptySuballoc(d *Dinode) {
	d.ChainList = &ChainList{
		ClustersPerGroup: suballocClustersPerGroup,
		BitsPerCluster:   uint8(f.bpc),
		Count:            uint16(chainListCapacity(f.opts.BlockSize)),
	}
}

// suballocClustersPerGroup sizes each growth increment of the per-slot
// inode and extent-block pools.
const suballocClustersPerGroup = 4

// fileWithRun points d's extent tree at a contiguous cluster run.
func (f *formatter) fileWithRun(d *Dinode, startCluster uint64, clusters uint32) error {
	d.ExtentTree = &ExtentList{
		Count:       uint16(extentListCapacity(extentListSpan(f.opts.BlockSize))),
		NextFreeRec: 1,
		Records:     []ExtentRecord{{CPos: 0, Clusters: clusters, Blkno: f.clusterBlk(startCluster)}},
	}
	d.Clusters = clusters
	d.Size = uint64(clusters) * uint64(f.opts.ClusterSize)
	return nil
}

func (f *formatter) zeroCluster(cluster uint64) error {
	zero := make([]byte, f.opts.BlockSize)
	base := f.clusterBlk(cluster)
	for i := uint32(0); i < f.bpc; i++ {
		if err := f.fs.cache.WriteBlock(base+uint64(i), zero); err != nil {
			return err
		}
	}
	return nil
}

// formatDirectory claims clusters for d, writes empty directory blocks
// (the first carrying "." and ".."), and roots them in d's extent tree.
func (f *formatter) formatDirectory(d *Dinode, parentBlkno uint64, clusters uint64) error {
	start, err := f.allocClusters(clusters)
	if err != nil {
		return err
	}
	base := f.clusterBlk(start)
	buf := make([]byte, f.opts.BlockSize)
	for i := uint64(0); i < clusters*uint64(f.bpc); i++ {
		if i == 0 {
			encodeDirBlock(buf, []DirEntry{
				{Inode: d.Blkno, Name: ".", FileType: FTypeDir},
				{Inode: parentBlkno, Name: "..", FileType: FTypeDir},
			})
		} else {
			encodeDirBlock(buf, []DirEntry{{}})
		}
		if err := f.fs.cache.WriteBlock(base+i, buf); err != nil {
			return err
		}
	}
	d.ExtentTree = &ExtentList{
		Count:       uint16(extentListCapacity(extentListSpan(f.opts.BlockSize))),
		NextFreeRec: 1,
		Records:     []ExtentRecord{{CPos: 0, Clusters: uint32(clusters), Blkno: base}},
	}
	d.Clusters = uint32(clusters)
	d.Size = clusters * uint64(f.opts.ClusterSize)
	d.Links = 2
	return nil
}

// systemDirClusters sizes the system directory generously enough that
// every census entry links without triggering an append.
func (f *formatter) systemDirClusters(sysInodes int) uint64 {
	bytes := 64 // "." + ".." head room
	bytes += sysInodes * int(DirRecLen(24))
	blocks := uint64(bytes*2)/uint64(f.opts.BlockSize) + 1
	return (blocks*uint64(f.opts.BlockSize) + uint64(f.opts.ClusterSize) - 1) / uint64(f.opts.ClusterSize)
}

func (f *formatter) populateSystemDir(sysDir *Dinode, slots [][6]*Dinode, usrQuota, grpQuota, bitmapInode, slotMap, heartbeat *Dinode) error {
	dir, err := OpenDirectory(f.fs, sysDir)
	if err != nil {
		return err
	}
	link := func(name string, d *Dinode, ftype uint8) error {
		if err := dir.Link(name, d.Blkno, ftype); err != nil {
			return errors.Wrapf(err, "linking system inode %q", name)
		}
		return nil
	}
	if err := link(SystemFileGlobalInodeAlloc, f.gia.dinode, FTypeFile); err != nil {
		return err
	}
	if err := link(SystemFileGlobalBitmap, bitmapInode, FTypeFile); err != nil {
		return err
	}
	if err := link(SystemFileSlotMap, slotMap, FTypeFile); err != nil {
		return err
	}
	if err := link(SystemFileHeartbeat, heartbeat, FTypeFile); err != nil {
		return err
	}
	for s := range slots {
		slot := uint16(s)
		names := []string{
			SystemFileExtentAlloc, SystemFileInodeAlloc, SystemFileJournal,
			SystemFileLocalAlloc, SystemFileTruncateLog, SystemFileOrphanDir,
		}
		for i, base := range names {
			ftype := FTypeFile
			if base == SystemFileOrphanDir {
				ftype = FTypeDir
			}
			if err := link(systemFileName(base, slot), slots[s][i], ftype); err != nil {
				return err
			}
		}
	}
	if usrQuota != nil {
		if err := link(SystemFileUserQuota, usrQuota, FTypeFile); err != nil {
			return err
		}
	}
	if grpQuota != nil {
		if err := link(SystemFileGroupQuota, grpQuota, FTypeFile); err != nil {
			return err
		}
	}
	return nil
}

// writeClusterBitmap cuts group descriptors from the finished scratch map
// and assembles the chain-allocator dinode over them, round-robin across
// the chain records.
func (f *formatter) writeClusterBitmap(d *Dinode) error {
	bs := f.opts.BlockSize
	chainCap := chainListCapacity(bs)
	numChains := int(f.numGroups)
	if numChains > chainCap {
		numChains = chainCap
	}

	cl := &ChainList{
		ClustersPerGroup: uint16(f.cpg),
		BitsPerCluster:   1,
		Count:            uint16(chainCap),
		NextFreeRec:      uint16(numChains),
		Chains:           make([]ChainRecord, numChains),
	}

	var progress elog.Progress
	if f.log != nil {
		progress = f.log.NewProgress("Writing cluster groups", "groups", int64(f.numGroups))
	}

	var totalFree uint64
	for i := uint64(0); i < f.numGroups; i++ {
		base := i * uint64(f.cpg)
		bits := uint64(f.cpg)
		if base+bits > f.totalClusters {
			bits = f.totalClusters - base
		}
		descCluster := base
		if i == 0 {
			descCluster = f.firstHead
		}

		chainIdx := int(i) % numChains
		g := &GroupDescriptor{
			Blkno:         f.clusterBlk(descCluster),
			Bits:          uint32(bits),
			Chain:         uint16(chainIdx),
			NextGroup:     cl.Chains[chainIdx].Blkno,
			ParentDinode:  d.Blkno,
			Generation:    f.fsGen,
			Bitmap:        make([]byte, (bits+7)/8),
		}
		var free uint32
		for b := uint64(0); b < bits; b++ {
			set, err := f.used.Test(base + b)
			if err != nil {
				return err
			}
			if set {
				g.Bitmap[b/8] |= 1 << (b % 8)
			} else {
				free++
			}
		}
		g.FreeBitsCount = free
		totalFree += uint64(free)

		if err := writeGroupDescriptor(f.fs.cache, g); err != nil {
			return err
		}
		cl.Chains[chainIdx].Blkno = g.Blkno
		cl.Chains[chainIdx].Free += free
		cl.Chains[chainIdx].Total += uint32(bits)

		if progress != nil {
			progress.Increment(1)
		}
		if err := f.interrupted(); err != nil {
			if progress != nil {
				progress.Finish(false)
			}
			return err
		}
	}
	if progress != nil {
		progress.Finish(true)
	}

	d.ChainList = cl
	d.Clusters = uint32(f.totalClusters)
	d.Size = f.totalClusters * uint64(f.opts.ClusterSize)
	return nil
}

// writeLegacyHeader stamps blocks 0..1 so an OCFS1 mount fails cleanly:
// no OCFS1 signature, just the label for humans running strings(1).
func (f *formatter) writeLegacyHeader() error {
	buf := make([]byte, f.opts.BlockSize)
	putFixedString(buf[64:64+sbLabelLen], f.opts.Label)
	if err := f.fs.cache.WriteBlock(0, buf); err != nil {
		return err
	}
	return f.fs.cache.WriteBlock(1, make([]byte, f.opts.BlockSize))
}

func (f *formatter) superblockDinode(blkno uint64) *Dinode {
	return &Dinode{
		Blkno:        blkno,
		FSGeneration: f.fsGen,
		Generation:   f.fsGen,
		Links:        1,
		Flags:        FlagValid | FlagSystem | FlagSuperBlock,
		Superblock:   f.fs.Super,
	}
}

func (f *formatter) writeSuperblocks() error {
	for _, blk := range f.backupBlks {
		if err := WriteDinode(f.fs.cache, f.superblockDinode(blk)); err != nil {
			return err
		}
	}
	return WriteDinode(f.fs.cache, f.superblockDinode(SuperBlockBlkno))
}

func defaultJournalClusters(totalClusters uint64) uint32 {
	j := totalClusters / 100
	if j < 8 {
		j = 8
	}
	if j > 8192 {
		j = 8192
	}
	return uint32(j)
}

func log2(v uint32) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
