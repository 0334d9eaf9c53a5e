package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// BlockDevice is the minimal surface the block cache needs from whatever
// backs the filesystem: a regular file opened on a block special device, or
// (for tests and fswreck-style harnesses) an in-memory image.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
	Close() error
}

// fileDevice adapts *os.File to BlockDevice.
type fileDevice struct {
	f *os.File
}

// OpenDevice opens path for the block cache. readOnly requests O_RDONLY;
// otherwise the device is opened O_RDWR. Direct I/O is not attempted here
// (unlike the kernel client, this tool can tolerate the page cache) but
// every write the cache issues is block-aligned so O_DIRECT could be added
// without changing callers.
func OpenDevice(path string, readOnly bool) (BlockDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}
	return &fileDevice{f: f}, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *fileDevice) Sync() error                              { return d.f.Sync() }
func (d *fileDevice) Close() error                              { return d.f.Close() }

func (d *fileDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// MemDevice is an in-memory BlockDevice, used by format/resize tests and by
// fswreck-style corruption harnesses that want to inspect the image without
// touching a real block device.
type MemDevice struct {
	buf []byte
}

// NewMemDevice allocates a zeroed in-memory device of the given size.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{buf: make([]byte, size)}
}

func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:end], p), nil
}

func (m *MemDevice) Sync() error          { return nil }
func (m *MemDevice) Close() error         { return nil }
func (m *MemDevice) Size() (int64, error) { return int64(len(m.buf)), nil }

// Bytes exposes the backing buffer directly (tests only).
func (m *MemDevice) Bytes() []byte { return m.buf }
