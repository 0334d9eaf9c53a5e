package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/ocfs2-tools/ocfs2/pkg/o2dlm"
	"github.com/pkg/errors"
)

// DLM glue: the tools wrap whole structural operations in the
// super lock and inode-scoped changes in per-inode meta locks. The domain
// is keyed by the volume UUID so two tools on the same device contend and
// two devices never do.

// JoinDomain enters the lock domain for this filesystem's UUID.
func (fs *Filesystem) JoinDomain(stack o2dlm.Stack, backend o2dlm.Backend) (*o2dlm.Domain, error) {
	return o2dlm.Join(fmt.Sprintf("%X", fs.UUID[:]), stack, backend)
}

// superLockName covers the whole volume; the generation half of the name
// is the superblock's tunefs word slot (fixed zero) so every tool
// generation agrees on the name.
func superLockName() string {
	return o2dlm.LockName(o2dlm.TypeSuper, SuperBlockBlkno, 0)
}

// SuperLock takes the volume-wide exclusive lock, try-only: formatting,
// tuning, resizing and checking never queue behind a mounted cluster node
//; a busy volume is reported instead.
func SuperLock(dom *o2dlm.Domain) error {
	err := dom.Lock(superLockName(), o2dlm.LevelExclusive, o2dlm.FlagTry)
	if errors.Is(err, o2dlm.ErrLockBusy) {
		return errors.Wrap(ErrLockBusy, "volume is in use by another node")
	}
	return err
}

// SuperUnlock drops the volume lock; idempotent.
func SuperUnlock(dom *o2dlm.Domain) error {
	return dom.Unlock(superLockName())
}

// MetaLock takes the per-inode metadata lock for d, exclusive or shared,
// optionally try-only.
func MetaLock(dom *o2dlm.Domain, d *Dinode, exclusive, try bool) error {
	level := o2dlm.LevelShared
	if exclusive {
		level = o2dlm.LevelExclusive
	}
	var flags o2dlm.Flags
	if try {
		flags |= o2dlm.FlagTry
	}
	err := dom.Lock(o2dlm.LockName(o2dlm.TypeMeta, d.Blkno, d.Generation), level, flags)
	if errors.Is(err, o2dlm.ErrLockBusy) {
		return errors.Wrapf(ErrLockBusy, "inode %d", d.Blkno)
	}
	return err
}

// MetaUnlock releases d's metadata lock; idempotent.
func MetaUnlock(dom *o2dlm.Domain, d *Dinode) error {
	return dom.Unlock(o2dlm.LockName(o2dlm.TypeMeta, d.Blkno, d.Generation))
}
