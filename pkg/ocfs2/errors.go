package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors forming the closed taxonomy Callers should match
// against these with errors.Is/errors.As; every public operation that can
// fail returns one of them, possibly wrapped with github.com/pkg/errors for
// a stack trace and a block-number-qualified message.
var (
	ErrIO                 = errors.New("device read or write failed")
	ErrNotOcfs2           = errors.New("not an ocfs2 filesystem")
	ErrIsOcfs1            = errors.New("device holds an ocfs1 filesystem")
	ErrCorruptExtent      = errors.New("corrupt extent tree")
	ErrCorruptChain       = errors.New("corrupt chain allocator")
	ErrCorruptGroupDesc   = errors.New("corrupt group descriptor")
	ErrCorruptDirent      = errors.New("corrupt directory entry")
	ErrCorruptRefcount    = errors.New("corrupt refcount tree")
	ErrCorruptQuota       = errors.New("corrupt quota file")
	ErrCorruptAllocator   = errors.New("corrupt allocator state")
	ErrInvalidBit         = errors.New("bit out of range")
	ErrBitNotFound        = errors.New("no free bit available")
	ErrInodeNotValid      = errors.New("inode is not valid")
	ErrInodeNotIterable   = errors.New("inode cannot be iterated")
	ErrNoSpace            = errors.New("device is full")
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrClusterDenied      = errors.New("cluster membership denied")
	ErrLockBusy           = errors.New("lock is busy")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrDirNoSpace         = errors.New("directory has no space for entry")
	ErrFileNotFound       = errors.New("file not found")
	ErrInterrupted        = errors.New("operation interrupted")
)

// BadMagicError reports a signature mismatch at a specific block.
type BadMagicError struct {
	Expected string
	Found    string
	Blkno    uint64
}

func (e *BadMagicError) Error() string {
	return fmt.Sprintf("block %d: expected signature %q, found %q", e.Blkno, e.Expected, e.Found)
}

// BadChecksumError reports a CRC32C/ECC rejection at a specific block.
type BadChecksumError struct {
	Blkno uint64
}

func (e *BadChecksumError) Error() string {
	return fmt.Sprintf("block %d: checksum mismatch", e.Blkno)
}

// UnsupportedFeatureError names the offending feature token.
type UnsupportedFeatureError struct {
	Name string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Name)
}

func (e *UnsupportedFeatureError) Is(target error) bool {
	return target == ErrUnsupportedFeature
}

func wrapBlock(err error, blkno uint64, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return errors.Wrapf(err, "block %d: %s", blkno, msg)
}
