package o2cb

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io/ioutil"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ClusterConfig is the on-host cluster layout the control daemon and the
// tools agree on: named clusters, each with its node roster.
type ClusterConfig struct {
	Clusters []Cluster `yaml:"clusters"`
}

// Cluster is one named cluster definition.
type Cluster struct {
	Name  string `yaml:"name"`
	Nodes []Node `yaml:"nodes"`
}

// Node is one member's identity and heartbeat endpoint.
type Node struct {
	Name    string `yaml:"name"`
	Number  int    `yaml:"number"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

const systemConfigPath = "/etc/ocfs2/cluster.conf"

// DefaultConfigPath prefers the system-wide cluster.conf, falling back to
// a per-user one for unprivileged test rigs.
func DefaultConfigPath() string {
	if _, err := os.Stat(systemConfigPath); err == nil {
		return systemConfigPath
	}
	home, err := homedir.Dir()
	if err != nil {
		return systemConfigPath
	}
	return filepath.Join(home, ".ocfs2", "cluster.conf")
}

// LoadClusterConfig parses the cluster layout at path ("" selects
// DefaultConfigPath).
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading cluster config %s", path)
	}
	cfg := new(ClusterConfig)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing cluster config %s", path)
	}
	for _, c := range cfg.Clusters {
		if c.Name == "" {
			return nil, errors.Errorf("%s: cluster with no name", path)
		}
	}
	return cfg, nil
}

// Lookup finds the named cluster.
func (c *ClusterConfig) Lookup(name string) (*Cluster, error) {
	for i := range c.Clusters {
		if c.Clusters[i].Name == name {
			return &c.Clusters[i], nil
		}
	}
	return nil, errors.Errorf("cluster %q not configured", name)
}
