package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// Truncate log payload layout within the dinode union:
// tl_count(2) + tl_used(2) + records of (start_cluster(4), cluster_count(4)).
const (
	truncateLogHeaderLen = 4
	truncateLogRecordLen = 8
)

func encodeTruncateLog(buf []byte, tl *TruncateLogPayload) {
	putUint16(buf[0:], tl.Count)
	putUint16(buf[2:], tl.Used)
	recs := buf[truncateLogHeaderLen:]
	for i, r := range tl.Records {
		off := i * truncateLogRecordLen
		if off+truncateLogRecordLen > len(recs) {
			break
		}
		putUint32(recs[off:], r.StartCluster)
		putUint32(recs[off+4:], r.ClusterCount)
	}
}

func decodeTruncateLog(buf []byte) *TruncateLogPayload {
	tl := &TruncateLogPayload{
		Count: getUint16(buf[0:]),
		Used:  getUint16(buf[2:]),
	}
	recs := buf[truncateLogHeaderLen:]
	n := int(tl.Used)
	for i := 0; i < n; i++ {
		off := i * truncateLogRecordLen
		if off+truncateLogRecordLen > len(recs) {
			break
		}
		tl.Records = append(tl.Records, TruncateLogRecord{
			StartCluster: getUint32(recs[off:]),
			ClusterCount: getUint32(recs[off+4:]),
		})
	}
	return tl
}

func truncateLogCapacity(blockSize uint32) uint16 {
	return uint16((int(blockSize) - dinodePayloadStart - truncateLogHeaderLen) / truncateLogRecordLen)
}

// TruncateLog is one slot's deferred-free record array. Cluster
// frees are appended here instead of going straight to the global bitmap;
// a later sweep (background in the kernel, explicit Flush here) returns
// the ranges to the cluster allocator in one pass.
type TruncateLog struct {
	fs     *Filesystem
	dinode *Dinode
}

// LoadTruncateLog reads the truncate-log dinode for the given slot.
func LoadTruncateLog(fs *Filesystem, slot uint16) (*TruncateLog, error) {
	blkno, err := fs.LookupSystemInode(SystemFileTruncateLog, slot)
	if err != nil {
		return nil, err
	}
	d, err := ReadDinode(fs.cache, blkno)
	if err != nil {
		return nil, err
	}
	if d.Flags&flagTruncateLog == 0 || d.TruncateLog == nil {
		return nil, errors.Wrapf(ErrInodeNotValid, "inode %d is not a truncate log", blkno)
	}
	return &TruncateLog{fs: fs, dinode: d}, nil
}

// Append records a deferred free of count clusters starting at start. If
// the record array is full the log is flushed first. Adjacent appends to a
// range already logged are coalesced.
func (tl *TruncateLog) Append(start, count uint32) error {
	p := tl.dinode.TruncateLog
	if n := len(p.Records); n > 0 {
		last := &p.Records[n-1]
		if last.StartCluster+last.ClusterCount == start {
			last.ClusterCount += count
			p.Records[n-1] = *last
			return WriteDinode(tl.fs.cache, tl.dinode)
		}
	}
	if p.Used >= p.Count {
		if err := tl.Flush(); err != nil {
			return err
		}
		p = tl.dinode.TruncateLog
	}
	p.Records = append(p.Records, TruncateLogRecord{StartCluster: start, ClusterCount: count})
	p.Used++
	return WriteDinode(tl.fs.cache, tl.dinode)
}

// Flush replays every logged range into the global cluster bitmap and
// empties the log. Records whose start lies beyond the volume, or whose
// start+count wraps uint32, are rejected as corrupt before anything is
// written.
func (tl *TruncateLog) Flush() error {
	p := tl.dinode.TruncateLog
	volClusters := tl.fs.TotalClusters()
	for _, r := range p.Records {
		if uint64(r.StartCluster) >= volClusters {
			return errors.Wrapf(ErrCorruptAllocator, "truncate log record starts at cluster %d beyond volume end %d", r.StartCluster, volClusters)
		}
		if r.StartCluster+r.ClusterCount < r.StartCluster {
			return errors.Wrapf(ErrCorruptAllocator, "truncate log record at cluster %d wraps", r.StartCluster)
		}
	}
	gb, err := tl.fs.GlobalBitmap()
	if err != nil {
		return err
	}
	for _, r := range p.Records {
		for i := uint32(0); i < r.ClusterCount; i++ {
			if err := tl.fs.freeOneClusterBit(gb, uint64(r.StartCluster+i)); err != nil {
				return err
			}
		}
	}
	if err := gb.Write(); err != nil {
		return err
	}
	p.Records = nil
	p.Used = 0
	return WriteDinode(tl.fs.cache, tl.dinode)
}

// Used reports how many records the log currently holds.
func (tl *TruncateLog) Used() uint16 { return tl.dinode.TruncateLog.Used }
