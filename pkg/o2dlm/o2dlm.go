// Package o2dlm carries the distributed-lock-manager glue for the volume
// tools: lock-name encoding, the join/complete domain
// protocol, and a lock/unlock surface the volume tools wrap whole
// operations in. The wire backend is pluggable; the in-process backend
// arbitrates between handles inside one tool, which is all a single-node
// run needs.
package o2dlm

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Lock name type characters.
const (
	TypeSuper  byte = 'S'
	TypeMeta   byte = 'M'
	TypeRename byte = 'R'
	TypeDentry byte = 'N'
)

// LockNameMaxLen bounds every encoded lock name.
const LockNameMaxLen = 32

// Level is the requested lock mode.
type Level int

const (
	LevelExclusive Level = iota
	LevelShared
)

// Flags modify an acquire.
type Flags int

const (
	// FlagTry fails with ErrLockBusy instead of queueing behind a
	// conflicting holder.
	FlagTry Flags = 1 << iota
)

var (
	ErrLockBusy      = errors.New("lock is busy")
	ErrClusterDenied = errors.New("cluster membership denied")
	ErrNotJoined     = errors.New("domain has not been joined")
)

// LockName encodes {type}{16-hex blkno}{8-hex generation}: 25 bytes, well
// inside the 32-byte ceiling shared with the kernel's lock namespace.
func LockName(typ byte, blkno uint64, generation uint32) string {
	return fmt.Sprintf("%c%016x%08x", typ, blkno, generation)
}

// Backend is the actual lock arbiter: a cluster stack connection, or the
// in-process table below.
type Backend interface {
	Lock(domain, name string, level Level, flags Flags) error
	Unlock(domain, name string) error
}

// Stack is the membership half of the cluster glue: bringing this process
// into a domain is a two-step join → complete handshake so a joiner that
// crashes mid-way never leaves half-populated membership behind.
type Stack interface {
	Join(domain string) error
	Complete(domain string) error
	Leave(domain string) error
}

// Domain is one joined lock domain (keyed by the filesystem UUID).
type Domain struct {
	name    string
	backend Backend
	stack   Stack
	joined  bool

	mu   sync.Mutex
	held map[string]Level
}

// Join brings this process into the domain for uuid, running the
// join → complete handshake against stack. A nil stack and backend select
// the in-process single-node implementations.
func Join(uuid string, stack Stack, backend Backend) (*Domain, error) {
	if stack == nil {
		stack = nopStack{}
	}
	if backend == nil {
		backend = NewInProcessBackend()
	}
	if err := stack.Join(uuid); err != nil {
		return nil, errors.Wrapf(ErrClusterDenied, "join %s: %v", uuid, err)
	}
	if err := stack.Complete(uuid); err != nil {
		// Never leave a half-joined domain standing.
		_ = stack.Leave(uuid)
		return nil, errors.Wrapf(ErrClusterDenied, "complete join %s: %v", uuid, err)
	}
	return &Domain{
		name:    uuid,
		backend: backend,
		stack:   stack,
		joined:  true,
		held:    map[string]Level{},
	}, nil
}

// Lock acquires name at level within the domain.
func (d *Domain) Lock(name string, level Level, flags Flags) error {
	if !d.joined {
		return errors.WithStack(ErrNotJoined)
	}
	if len(name) > LockNameMaxLen {
		return errors.Errorf("lock name %q exceeds %d bytes", name, LockNameMaxLen)
	}
	if err := d.backend.Lock(d.name, name, level, flags); err != nil {
		return err
	}
	d.mu.Lock()
	d.held[name] = level
	d.mu.Unlock()
	return nil
}

// Unlock releases name. Releasing a lock this domain does not hold is a
// no-op: the release path is idempotent so error-cleanup chains can drop
// locks unconditionally.
func (d *Domain) Unlock(name string) error {
	if !d.joined {
		return errors.WithStack(ErrNotJoined)
	}
	d.mu.Lock()
	_, held := d.held[name]
	delete(d.held, name)
	d.mu.Unlock()
	if !held {
		return nil
	}
	return d.backend.Unlock(d.name, name)
}

// Leave drops every held lock and exits the domain.
func (d *Domain) Leave() error {
	if !d.joined {
		return nil
	}
	d.mu.Lock()
	names := make([]string, 0, len(d.held))
	for n := range d.held {
		names = append(names, n)
	}
	d.held = map[string]Level{}
	d.mu.Unlock()
	for _, n := range names {
		_ = d.backend.Unlock(d.name, n)
	}
	d.joined = false
	return d.stack.Leave(d.name)
}

// nopStack is the single-node membership: every join succeeds.
type nopStack struct{}

func (nopStack) Join(string) error     { return nil }
func (nopStack) Complete(string) error { return nil }
func (nopStack) Leave(string) error    { return nil }

// InProcessBackend arbitrates locks between domains within one process:
// exclusive excludes everything, shared stacks with shared.
type InProcessBackend struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[string]*lockState
}

type lockState struct {
	level   Level
	holders int
}

// NewInProcessBackend builds an empty in-process lock table.
func NewInProcessBackend() *InProcessBackend {
	b := &InProcessBackend{locks: map[string]*lockState{}}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func key(domain, name string) string { return domain + "/" + name }

func (b *InProcessBackend) Lock(domain, name string, level Level, flags Flags) error {
	k := key(domain, name)
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		st, ok := b.locks[k]
		if !ok {
			b.locks[k] = &lockState{level: level, holders: 1}
			return nil
		}
		if level == LevelShared && st.level == LevelShared {
			st.holders++
			return nil
		}
		if flags&FlagTry != 0 {
			return errors.Wrapf(ErrLockBusy, "%s", name)
		}
		b.cond.Wait()
	}
}

func (b *InProcessBackend) Unlock(domain, name string) error {
	k := key(domain, name)
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.locks[k]
	if !ok {
		return nil
	}
	st.holders--
	if st.holders <= 0 {
		delete(b.locks, k)
	}
	b.cond.Broadcast()
	return nil
}
