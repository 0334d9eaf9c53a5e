package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryFormatSpecifiers(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	out := QueryFormat(fs, "%B %T %N")
	assert.Equal(t, "4096 4096 4", out)

	out = QueryFormat(fs, "%V")
	assert.Equal(t, "testvol", out)

	out = QueryFormat(fs, "%R")
	assert.Equal(t, fmt.Sprintf("%d", fs.Super.RootBlkno), out)

	out = QueryFormat(fs, "%Y %P")
	assert.Equal(t, fmt.Sprintf("%d %d", fs.Super.SystemDirBlkno, fs.Super.FirstClusterGroup), out)

	out = QueryFormat(fs, "%U")
	assert.Len(t, out, 36)
	assert.Equal(t, strings.ToUpper(out), out)
}

func TestQueryFormatFeatureWords(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	assert.Contains(t, QueryFormat(fs, "%H"), "sparse")
	assert.Contains(t, QueryFormat(fs, "%O"), "unwritten")
	assert.Equal(t, "none", QueryFormat(fs, "%M"))

	fs.Super.TunefsInProgress = 0x2
	assert.Contains(t, QueryFormat(fs, "%H"), "tunefs-in-progress")
}

func TestQueryFormatEscapes(t *testing.T) {
	fs, _ := newTestFS(t, defaultTestFeatures())
	defer fs.Close()

	assert.Equal(t, "a\tb\nc\r", QueryFormat(fs, "a\\tb\\nc\\r"))
	assert.Equal(t, "100%", QueryFormat(fs, "100%%"))
	assert.Equal(t, "\\x", QueryFormat(fs, "\\x"))
	assert.Equal(t, "%Z", QueryFormat(fs, "%Z"))
}
