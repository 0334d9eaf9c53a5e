package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, fs *Filesystem) (*Directory, *Dinode) {
	t.Helper()
	d, err := fs.AllocInode(0o755)
	require.NoError(t, err)
	d.Flags |= FlagDir
	require.NoError(t, InitRootDirectory(fs, d, d.Blkno))
	dir, err := OpenDirectory(fs, d)
	require.NoError(t, err)
	return dir, d
}

func TestDirLinkLookupUnlink(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()
	dir, _ := newTestDirectory(t, fs)

	require.NoError(t, dir.Link("alpha", 500, FTypeFile))
	require.NoError(t, dir.Link("beta", 501, FTypeDir))

	blkno, err := dir.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), blkno)

	require.NoError(t, dir.Unlink("alpha"))
	_, err = dir.Lookup("alpha")
	assert.True(t, errors.Is(err, ErrFileNotFound))

	blkno, err = dir.Lookup("beta")
	require.NoError(t, err)
	assert.Equal(t, uint64(501), blkno)
}

// Round-trip property: after a sequence of links and unlinks the
// enumeration equals the set of linked minus unlinked names, in insertion
// order, with no zero-length records anywhere.
func TestDirRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()
	dir, d := newTestDirectory(t, fs)

	var names []string
	for i := 0; i < 64; i++ {
		name := fmt.Sprintf("entry%02d", i)
		names = append(names, name)
		require.NoError(t, dir.Link(name, uint64(1000+i), FTypeFile))
	}
	// Unlink every second entry.
	var survivors []string
	for i, name := range names {
		if i%2 == 0 {
			require.NoError(t, dir.Unlink(name))
		} else {
			survivors = append(survivors, name)
		}
	}

	var got []string
	require.NoError(t, dir.Iterate(func(e DirEntry) bool {
		if e.Name != "." && e.Name != ".." {
			got = append(got, e.Name)
		}
		return true
	}))
	assert.Equal(t, survivors, got)

	// Every surviving block still parses, and no record has rec_len 0.
	for b := uint32(0); b < dir.blockCount(); b++ {
		buf, _, err := dir.readBlock(b)
		require.NoError(t, err)
		entries, err := decodeDirBlock(buf)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotZero(t, e.RecLen)
		}
	}
	_ = d
}

func TestDirSizeStaysBlockAligned(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()
	dir, d := newTestDirectory(t, fs)

	for i := 0; i < 300; i++ {
		require.NoError(t, dir.Link(fmt.Sprintf("a-long-ish-name-%03d", i), uint64(2000+i), FTypeFile))
	}
	assert.Zero(t, d.Size%uint64(fs.BlockSize()))
	assert.Greater(t, dir.blockCount(), uint32(1))
}

func TestCheckDirentRejectsCorruption(t *testing.T) {
	buf := make([]byte, 4096)
	encodeDirBlock(buf, []DirEntry{{Inode: 9, Name: "x", FileType: FTypeFile}})

	// Truncated rec_len on the terminal record leaves a zero-length tail.
	putUint16(buf[8:], 16)
	_, err := decodeDirBlock(buf)
	assert.True(t, errors.Is(err, ErrCorruptDirent))

	// Unaligned rec_len.
	encodeDirBlock(buf, []DirEntry{{Inode: 9, Name: "x", FileType: FTypeFile}})
	putUint16(buf[8:], 4095)
	_, err = decodeDirBlock(buf)
	assert.True(t, errors.Is(err, ErrCorruptDirent))

	// rec_len shorter than header+name.
	encodeDirBlock(buf, []DirEntry{{Inode: 9, Name: "abcdefgh", FileType: FTypeFile}})
	putUint16(buf[8:], 12)
	_, err = decodeDirBlock(buf)
	assert.True(t, errors.Is(err, ErrCorruptDirent))
}

func TestDotAndDotDotLeadRootBlock(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	root, err := ReadDinode(fs.Cache(), fs.Super.RootBlkno)
	require.NoError(t, err)
	dir, err := OpenDirectory(fs, root)
	require.NoError(t, err)
	var first []string
	require.NoError(t, dir.Iterate(func(e DirEntry) bool {
		first = append(first, e.Name)
		return len(first) < 2
	}))
	assert.Equal(t, []string{".", ".."}, first)
}

func TestIndexedDirLookup(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()
	dir, d := newTestDirectory(t, fs)
	require.NoError(t, InitIndexedDirectory(fs, d))

	for i := 0; i < 40; i++ {
		require.NoError(t, dir.Link(fmt.Sprintf("hashed%02d", i), uint64(3000+i), FTypeFile))
	}
	blkno, err := dir.Lookup("hashed17")
	require.NoError(t, err)
	assert.Equal(t, uint64(3017), blkno)

	require.NoError(t, dir.Unlink("hashed17"))
	_, err = dir.Lookup("hashed17")
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestNameHashStable(t *testing.T) {
	h1 := computeNameHash("some-filename")
	h2 := computeNameHash("some-filename")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, computeNameHash("a"), computeNameHash("b"))
}
