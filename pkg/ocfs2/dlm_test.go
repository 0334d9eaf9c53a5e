package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocfs2-tools/ocfs2/pkg/o2dlm"
)

func TestSuperLockExcludesSecondHolder(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	backend := o2dlm.NewInProcessBackend()
	dom1, err := fs.JoinDomain(nil, backend)
	require.NoError(t, err)
	dom2, err := fs.JoinDomain(nil, backend)
	require.NoError(t, err)

	require.NoError(t, SuperLock(dom1))
	err = SuperLock(dom2)
	assert.True(t, errors.Is(err, ErrLockBusy))

	require.NoError(t, SuperUnlock(dom1))
	assert.NoError(t, SuperLock(dom2))
}

func TestMetaLockSharedReaders(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	backend := o2dlm.NewInProcessBackend()
	dom1, err := fs.JoinDomain(nil, backend)
	require.NoError(t, err)
	dom2, err := fs.JoinDomain(nil, backend)
	require.NoError(t, err)

	d, err := ReadDinode(fs.Cache(), fs.Super.RootBlkno)
	require.NoError(t, err)

	require.NoError(t, MetaLock(dom1, d, false, true))
	assert.NoError(t, MetaLock(dom2, d, false, true))

	dom3, err := fs.JoinDomain(nil, backend)
	require.NoError(t, err)
	err = MetaLock(dom3, d, true, true)
	assert.True(t, errors.Is(err, ErrLockBusy))

	require.NoError(t, MetaUnlock(dom1, d))
	require.NoError(t, MetaUnlock(dom2, d))
	assert.NoError(t, MetaLock(dom3, d, true, true))
}
