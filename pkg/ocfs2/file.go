package ocfs2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// File-level conveniences composing the allocators and the extent tree.

// TruncateInode shortens d's data to newClusters,
// deferring refcounted ranges to the inode's refcount tree instead of
// freeing them outright, and persists the inode.
func TruncateInode(fs *Filesystem, d *Dinode, newClusters uint32) error {
	var refcounted func(cpos, clusters uint32) error
	if d.HasRefcount() && d.Refcount != nil {
		rt, err := LoadRefcountTree(fs, d.Refcount.Blkno)
		if err != nil {
			return err
		}
		refcounted = func(cpos, clusters uint32) error {
			return rt.ChangeRefcount(cpos, clusters, -1)
		}
	}
	tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))
	if err := tree.Truncate(newClusters, refcounted); err != nil {
		return err
	}
	d.Clusters = newClusters
	if max := uint64(newClusters) * uint64(fs.ClusterSize); d.Size > max {
		d.Size = max
	}
	return WriteDinode(fs.cache, d)
}

// ExtendInode allocates clusters contiguous clusters and appends them to
// d's extent tree at the current end of file.
func ExtendInode(fs *Filesystem, d *Dinode, clusters uint32) error {
	cluster, err := fs.AllocClusters(clusters)
	if err != nil {
		return err
	}
	tree := NewExtentTree(fs, DinodeExtentRoot(d, fs.BlockSize()))
	if err := tree.InsertExtent(d.Clusters, clusters, fs.ClusterToBlkno(uint64(cluster)), false); err != nil {
		return err
	}
	d.Clusters += clusters
	d.Size = uint64(d.Clusters) * uint64(fs.ClusterSize)
	return WriteDinode(fs.cache, d)
}
