package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "encoding/binary"

// Every on-disk structure is little-endian. These thin wrappers keep
// the marshal/unmarshal code in the rest of the package free of repeated
// binary.LittleEndian plumbing.

func putUint16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getUint16(b []byte) uint16    { return binary.LittleEndian.Uint16(b) }
func getUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func getUint64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }

// putSignature writes an 8-byte ASCII signature (NUL-padded) at buf[0:8].
func putSignature(buf []byte, sig string) {
	copy(buf[0:8], sig)
}

// checkSignature compares the 8 bytes at buf[0:8] against want, trimming
// the trailing NULs both sides carry.
func checkSignature(buf []byte, want string) bool {
	return string(trimNUL(buf[0:8])) == string(trimNUL([]byte(want)))
}

func trimNUL(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// putFixedString writes s into buf, left-aligned and zero-padded/truncated
// to len(buf).
func putFixedString(buf []byte, s string) {
	for i := range buf {
		buf[i] = 0
	}
	n := copy(buf, s)
	_ = n
}

func getFixedString(buf []byte) string {
	return string(trimNUL(buf))
}
