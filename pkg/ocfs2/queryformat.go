package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// QueryFormat expands a tunefs-style printf format against an open
// filesystem: %B blocksize, %T clustersize, %N slots, %R root-dir
// blkno, %Y sysdir blkno, %P first-cluster-group blkno, %V label, %U UUID,
// %M compat features, %H incompat features (with the in-progress word
// appended when set), %O ro-compat features, %% a literal percent. The
// escapes \n \t \a \b \v \f \r and \\ are honored.
func QueryFormat(fs *Filesystem, format string) string {
	var b strings.Builder
	s := fs.Super
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch c {
		case '%':
			if i+1 >= len(format) {
				b.WriteByte(c)
				break
			}
			i++
			switch format[i] {
			case 'B':
				fmt.Fprintf(&b, "%d", fs.BlockSize())
			case 'T':
				fmt.Fprintf(&b, "%d", fs.ClusterSize)
			case 'N':
				fmt.Fprintf(&b, "%d", s.MaxSlots)
			case 'R':
				fmt.Fprintf(&b, "%d", s.RootBlkno)
			case 'Y':
				fmt.Fprintf(&b, "%d", s.SystemDirBlkno)
			case 'P':
				fmt.Fprintf(&b, "%d", s.FirstClusterGroup)
			case 'V':
				b.WriteString(s.Label)
			case 'U':
				u, err := uuid.FromBytes(s.UUID[:])
				if err == nil {
					b.WriteString(strings.ToUpper(u.String()))
				}
			case 'M':
				b.WriteString(featureWordString(FeatureFlags{Compat: s.CompatFeatures}))
			case 'H':
				b.WriteString(featureWordString(FeatureFlags{Incompat: s.IncompatFeatures}))
				if s.TunefsInProgress != 0 {
					fmt.Fprintf(&b, " tunefs-in-progress=0x%x", s.TunefsInProgress)
				}
			case 'O':
				b.WriteString(featureWordString(FeatureFlags{RoCompat: s.RoCompatFeatures}))
			case '%':
				b.WriteByte('%')
			default:
				b.WriteByte('%')
				b.WriteByte(format[i])
			}
		case '\\':
			if i+1 >= len(format) {
				b.WriteByte(c)
				break
			}
			i++
			switch format[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'a':
				b.WriteByte('\a')
			case 'b':
				b.WriteByte('\b')
			case 'v':
				b.WriteByte('\v')
			case 'f':
				b.WriteByte('\f')
			case 'r':
				b.WriteByte('\r')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte('\\')
				b.WriteByte(format[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// featureWordString renders the named tokens of one feature word, space
// separated, or "none".
func featureWordString(f FeatureFlags) string {
	names := FeatureNames(f)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, " ")
}
