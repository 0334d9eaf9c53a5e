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
)

func TestFeaturePresets(t *testing.T) {
	def, err := ParseFeatureString("default", "")
	require.NoError(t, err)
	assert.NotZero(t, def.Incompat&IncompatSparseAlloc)
	assert.NotZero(t, def.RoCompat&RoCompatUnwritten)
	assert.NotZero(t, def.Compat&CompatBackupSB)

	compat, err := ParseFeatureString("max-compat", "")
	require.NoError(t, err)
	assert.Zero(t, compat.Incompat)

	maxed, err := ParseFeatureString("max-features", "")
	require.NoError(t, err)
	assert.NotZero(t, maxed.Incompat&IncompatRefcountTree)
	assert.NotZero(t, maxed.Incompat&IncompatIndexedDirs)

	_, err = ParseFeatureString("bogus-level", "")
	assert.True(t, errors.Is(err, ErrUnsupportedFeature))
}

func TestFeatureTokens(t *testing.T) {
	f, err := ParseFeatureString("max-compat", "sparse,backup-super")
	require.NoError(t, err)
	assert.NotZero(t, f.Incompat&IncompatSparseAlloc)
	assert.NotZero(t, f.Compat&CompatBackupSB)

	f, err = ParseFeatureString("default", "noindexed-dirs")
	require.NoError(t, err)
	assert.Zero(t, f.Incompat&IncompatIndexedDirs)

	_, err = ParseFeatureString("default", "frobnicate")
	assert.True(t, errors.Is(err, ErrUnsupportedFeature))
}

func TestFeatureDependencyViolation(t *testing.T) {
	// unwritten requires sparse: asking for both directions must fail.
	_, err := ParseFeatureString("max-compat", "unwritten,nosparse")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFeature))

	// Clearing sparse from a preset that carries unwritten drags
	// unwritten down with it.
	f, err := ParseFeatureString("default", "nosparse")
	require.NoError(t, err)
	assert.Zero(t, f.Incompat&IncompatSparseAlloc)
	assert.Zero(t, f.RoCompat&RoCompatUnwritten)
}

func TestFeatureSetAndClearConflict(t *testing.T) {
	_, err := ParseFeatureString("default", "sparse,nosparse")
	assert.True(t, errors.Is(err, ErrUnsupportedFeature))
}

// Dependency closure property: whatever the input, no feature may end up
// set without its prerequisites.
func TestFeatureClosureProperty(t *testing.T) {
	inputs := []struct{ level, list string }{
		{"default", ""},
		{"max-features", ""},
		{"max-compat", "unwritten"},
		{"default", "refcount,indexed-dirs"},
		{"max-features", "nosparse"},
	}
	for _, in := range inputs {
		f, err := ParseFeatureString(in.level, in.list)
		if err != nil {
			continue
		}
		for _, ft := range featureTable {
			if !f.Has(ft.flags) {
				continue
			}
			for _, req := range ft.requires {
				assert.True(t, f.Has(featureByName(req).flags),
					"%v/%v: %s set without %s", in.level, in.list, ft.name, req)
			}
		}
	}
}

func TestCheckSupportedRejectsUnknownBits(t *testing.T) {
	err := CheckSupported(FeatureFlags{Incompat: 1 << 30})
	assert.True(t, errors.Is(err, ErrUnsupportedFeature))
	assert.NoError(t, CheckSupported(FeatureFlags{Incompat: IncompatSparseAlloc}))
}
