package o2dlm

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockNameEncoding(t *testing.T) {
	name := LockName(TypeMeta, 0xdeadbeef, 0x1234)
	assert.Equal(t, "M00000000deadbeef00001234", name)
	assert.LessOrEqual(t, len(name), LockNameMaxLen)

	super := LockName(TypeSuper, 2, 0)
	assert.Equal(t, "S00000000000000020000000", super[:24])
	assert.Len(t, super, 25)
}

func TestTrylockBusy(t *testing.T) {
	backend := NewInProcessBackend()
	d1, err := Join("UUID-1", nil, backend)
	require.NoError(t, err)
	d2, err := Join("UUID-1", nil, backend)
	require.NoError(t, err)

	name := LockName(TypeSuper, 2, 0)
	require.NoError(t, d1.Lock(name, LevelExclusive, FlagTry))

	err = d2.Lock(name, LevelExclusive, FlagTry)
	assert.True(t, errors.Is(err, ErrLockBusy))

	require.NoError(t, d1.Unlock(name))
	assert.NoError(t, d2.Lock(name, LevelExclusive, FlagTry))
}

func TestSharedLocksStack(t *testing.T) {
	backend := NewInProcessBackend()
	d1, err := Join("UUID-2", nil, backend)
	require.NoError(t, err)
	d2, err := Join("UUID-2", nil, backend)
	require.NoError(t, err)

	name := LockName(TypeMeta, 100, 1)
	require.NoError(t, d1.Lock(name, LevelShared, FlagTry))
	require.NoError(t, d2.Lock(name, LevelShared, FlagTry))

	// An exclusive request must not slip between the readers.
	d3, err := Join("UUID-2", nil, backend)
	require.NoError(t, err)
	err = d3.Lock(name, LevelExclusive, FlagTry)
	assert.True(t, errors.Is(err, ErrLockBusy))

	require.NoError(t, d1.Unlock(name))
	require.NoError(t, d2.Unlock(name))
	assert.NoError(t, d3.Lock(name, LevelExclusive, FlagTry))
}

func TestDomainsIsolate(t *testing.T) {
	backend := NewInProcessBackend()
	d1, err := Join("UUID-A", nil, backend)
	require.NoError(t, err)
	d2, err := Join("UUID-B", nil, backend)
	require.NoError(t, err)

	name := LockName(TypeSuper, 2, 0)
	require.NoError(t, d1.Lock(name, LevelExclusive, FlagTry))
	assert.NoError(t, d2.Lock(name, LevelExclusive, FlagTry))
}

func TestUnlockIdempotent(t *testing.T) {
	d, err := Join("UUID-3", nil, nil)
	require.NoError(t, err)
	name := LockName(TypeDentry, 9, 9)
	require.NoError(t, d.Lock(name, LevelExclusive, 0))
	require.NoError(t, d.Unlock(name))
	assert.NoError(t, d.Unlock(name))
}

type failingStack struct {
	completeFails bool
	left          []string
}

func (f *failingStack) Join(string) error { return nil }
func (f *failingStack) Complete(string) error {
	if f.completeFails {
		return errors.New("membership refused")
	}
	return nil
}
func (f *failingStack) Leave(d string) error {
	f.left = append(f.left, d)
	return nil
}

func TestHalfJoinLeavesCleanly(t *testing.T) {
	stack := &failingStack{completeFails: true}
	_, err := Join("UUID-4", stack, nil)
	assert.True(t, errors.Is(err, ErrClusterDenied))
	// A failed complete must roll the join back.
	assert.Equal(t, []string{"UUID-4"}, stack.left)
}

func TestLeaveDropsHeldLocks(t *testing.T) {
	backend := NewInProcessBackend()
	d1, err := Join("UUID-5", nil, backend)
	require.NoError(t, err)
	name := LockName(TypeRename, 1, 1)
	require.NoError(t, d1.Lock(name, LevelExclusive, 0))
	require.NoError(t, d1.Leave())

	d2, err := Join("UUID-5", nil, backend)
	require.NoError(t, err)
	assert.NoError(t, d2.Lock(name, LevelExclusive, FlagTry))
}
