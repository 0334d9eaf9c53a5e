package o2cb

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	mounts   []string
	clusters []string
}

func (d *fakeDaemon) Mount(fsType, uuid, cluster, device, mountpoint string) Status {
	if cluster != "testcluster" {
		return Status{Errno: 22, Msg: "unknown cluster"}
	}
	d.mounts = append(d.mounts, device+" "+mountpoint)
	return Status{Errno: 0, Msg: "OK"}
}

func (d *fakeDaemon) MountResult(fsType, uuid string, rc int, mountpoint string) Status {
	if rc != 0 {
		for i, m := range d.mounts {
			if filepath.Base(m) == mountpoint {
				d.mounts = append(d.mounts[:i], d.mounts[i+1:]...)
				break
			}
		}
	}
	return Status{Errno: 0, Msg: "OK"}
}

func (d *fakeDaemon) Unmount(fsType, uuid, mountpoint string) Status {
	return Status{Errno: 0, Msg: "OK"}
}

func (d *fakeDaemon) ListFS() []string       { return []string{"ocfs2"} }
func (d *fakeDaemon) ListMounts() []string   { return d.mounts }
func (d *fakeDaemon) ListClusters() []string { return d.clusters }

func startDaemon(t *testing.T, h Handler) *Client {
	t.Helper()
	client, server := net.Pipe()
	go func() { _ = Serve(server, h) }()
	t.Cleanup(func() { client.Close(); server.Close() })
	return NewClient(client)
}

func TestMountExchange(t *testing.T) {
	daemon := &fakeDaemon{}
	c := startDaemon(t, daemon)

	st, err := c.Mount("ocfs2", "ABCD", "testcluster", "/dev/sdb1", "/mnt/shared")
	require.NoError(t, err)
	assert.True(t, st.OK())
	assert.Len(t, daemon.mounts, 1)

	st, err = c.Mount("ocfs2", "ABCD", "wrongcluster", "/dev/sdb2", "/mnt/other")
	require.NoError(t, err)
	assert.False(t, st.OK())
	assert.Equal(t, "unknown cluster", st.Msg)
}

func TestListExchange(t *testing.T) {
	daemon := &fakeDaemon{clusters: []string{"alpha", "beta"}}
	c := startDaemon(t, daemon)

	fss, err := c.ListFS()
	require.NoError(t, err)
	assert.Equal(t, []string{"ocfs2"}, fss)

	clusters, err := c.ListClusters()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, clusters)

	mounts, err := c.ListMounts()
	require.NoError(t, err)
	assert.Empty(t, mounts)
}

func TestLineTooLongRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	c := NewClient(client)
	long := make([]byte, LineLen)
	for i := range long {
		long[i] = 'x'
	}
	_, err := c.Mount("ocfs2", string(long), "c", "d", "m")
	assert.Error(t, err)
}

func TestClusterConfigRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "o2cb")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "cluster.conf")
	conf := `clusters:
- name: prod
  nodes:
  - name: node0
    number: 0
    address: 192.168.1.10
    port: 7777
  - name: node1
    number: 1
    address: 192.168.1.11
    port: 7777
`
	require.NoError(t, ioutil.WriteFile(path, []byte(conf), 0644))

	cfg, err := LoadClusterConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Clusters, 1)

	cl, err := cfg.Lookup("prod")
	require.NoError(t, err)
	assert.Len(t, cl.Nodes, 2)
	assert.Equal(t, "192.168.1.11", cl.Nodes[1].Address)

	_, err = cfg.Lookup("staging")
	assert.Error(t, err)
}

func TestMountCommandQuoting(t *testing.T) {
	line := MountCommandLine("/dev/disk/by-label/my vol", "/mnt/shared", []string{"noatime"})
	assert.Contains(t, line, "'/dev/disk/by-label/my vol'")
	assert.Contains(t, line, "-o noatime")
	assert.Equal(t, "umount /mnt/x", UnmountCommandLine("/mnt/x"))
}
