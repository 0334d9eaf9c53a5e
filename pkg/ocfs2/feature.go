package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"strings"

	"github.com/pkg/errors"
)

// FeatureFlags is the triple of superblock feature words.
type FeatureFlags struct {
	Compat   uint32
	Incompat uint32
	RoCompat uint32
}

// Has reports whether every flag in other is present in f.
func (f FeatureFlags) Has(other FeatureFlags) bool {
	return f.Compat&other.Compat == other.Compat &&
		f.Incompat&other.Incompat == other.Incompat &&
		f.RoCompat&other.RoCompat == other.RoCompat
}

func (f *FeatureFlags) set(other FeatureFlags) {
	f.Compat |= other.Compat
	f.Incompat |= other.Incompat
	f.RoCompat |= other.RoCompat
}

func (f *FeatureFlags) clear(other FeatureFlags) {
	f.Compat &^= other.Compat
	f.Incompat &^= other.Incompat
	f.RoCompat &^= other.RoCompat
}

// feature is one declaratively-registered token: its flag word bits plus
// the tokens it requires to be live first.
type feature struct {
	name     string
	flags    FeatureFlags
	requires []string
}

// featureTable drives parsing, dependency closure, and name reporting. The
// table order is also the stable display order.
var featureTable = []feature{
	{name: "local", flags: FeatureFlags{Incompat: IncompatLocalMount}},
	{name: "sparse", flags: FeatureFlags{Incompat: IncompatSparseAlloc}},
	{name: "unwritten", flags: FeatureFlags{RoCompat: RoCompatUnwritten}, requires: []string{"sparse"}},
	{name: "inline-data", flags: FeatureFlags{Incompat: IncompatInlineData}},
	{name: "backup-super", flags: FeatureFlags{Compat: CompatBackupSB}},
	{name: "indexed-dirs", flags: FeatureFlags{Incompat: IncompatIndexedDirs}},
	{name: "refcount", flags: FeatureFlags{Incompat: IncompatRefcountTree}},
	{name: "discontig-bg", flags: FeatureFlags{Incompat: IncompatDiscontigBG}},
	{name: "usrquota", flags: FeatureFlags{RoCompat: RoCompatUsrQuota}},
	{name: "grpquota", flags: FeatureFlags{RoCompat: RoCompatGrpQuota}},
}

func featureByName(name string) *feature {
	for i := range featureTable {
		if featureTable[i].name == name {
			return &featureTable[i]
		}
	}
	return nil
}

// Feature level presets.
const (
	FeatureLevelDefault    = "default"
	FeatureLevelMaxCompat  = "max-compat"
	FeatureLevelMaxFeature = "max-features"
)

func levelPreset(level string) ([]string, error) {
	switch level {
	case "", FeatureLevelDefault:
		return []string{"sparse", "unwritten", "inline-data", "backup-super"}, nil
	case FeatureLevelMaxCompat:
		return []string{"backup-super"}, nil
	case FeatureLevelMaxFeature:
		return []string{"sparse", "unwritten", "inline-data", "backup-super",
			"indexed-dirs", "refcount", "discontig-bg", "usrquota", "grpquota"}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedFeature, "unknown feature level %q", level)
	}
}

// ParseFeatureString composes a level preset with a comma-separated token
// list ("sparse,backup-super,noindexed-dirs") into the three flag words.
// A "no" prefix clears the token and, transitively, everything that
// requires it. Setting and clearing the same token is rejected, as is any
// unknown token or a clear that would strand a dependent.
func ParseFeatureString(level, list string) (FeatureFlags, error) {
	preset, err := levelPreset(level)
	if err != nil {
		return FeatureFlags{}, err
	}

	enabled := map[string]bool{}
	for _, name := range preset {
		enabled[name] = true
	}

	var setTokens, clearTokens []string
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.HasPrefix(tok, "no") && featureByName(strings.TrimPrefix(tok, "no")) != nil {
			clearTokens = append(clearTokens, strings.TrimPrefix(tok, "no"))
			continue
		}
		if featureByName(tok) == nil {
			return FeatureFlags{}, &UnsupportedFeatureError{Name: tok}
		}
		setTokens = append(setTokens, tok)
	}

	for _, s := range setTokens {
		for _, c := range clearTokens {
			if s == c {
				return FeatureFlags{}, errors.Wrapf(ErrUnsupportedFeature, "feature %q both set and cleared", s)
			}
		}
	}

	for _, name := range setTokens {
		enabled[name] = true
		for _, dep := range featureByName(name).requires {
			if contains(clearTokens, dep) {
				return FeatureFlags{}, &UnsupportedFeatureError{Name: name + " requires " + dep}
			}
			enabled[dep] = true
		}
	}

	// Clearing a token drags every feature that requires it down too
	// (unless that dependent was explicitly requested, which is an error
	// caught above).
	for _, name := range clearTokens {
		delete(enabled, name)
		for changed := true; changed; {
			changed = false
			for dep := range enabled {
				f := featureByName(dep)
				for _, req := range f.requires {
					if !enabled[req] {
						if contains(setTokens, dep) {
							return FeatureFlags{}, &UnsupportedFeatureError{Name: dep + " requires " + req}
						}
						delete(enabled, dep)
						changed = true
					}
				}
			}
		}
	}

	var out FeatureFlags
	for name := range enabled {
		out.set(featureByName(name).flags)
	}
	return out, nil
}

// FeatureNames renders the live feature tokens of f in table order.
func FeatureNames(f FeatureFlags) []string {
	var names []string
	for _, ft := range featureTable {
		if f.Has(ft.flags) {
			names = append(names, ft.name)
		}
	}
	return names
}

// CheckSupported rejects flag words carrying bits this library does not
// implement; tune and fsck refuse to touch such volumes.
func CheckSupported(f FeatureFlags) error {
	var known FeatureFlags
	for _, ft := range featureTable {
		known.set(ft.flags)
	}
	if f.Compat&^known.Compat != 0 || f.Incompat&^known.Incompat != 0 || f.RoCompat&^known.RoCompat != 0 {
		return errors.Wrapf(ErrUnsupportedFeature,
			"unknown feature bits compat=0x%x incompat=0x%x ro_compat=0x%x",
			f.Compat&^known.Compat, f.Incompat&^known.Incompat, f.RoCompat&^known.RoCompat)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
