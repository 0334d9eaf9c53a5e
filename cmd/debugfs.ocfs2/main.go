package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ocfs2-tools/ocfs2/pkg/elog"
	"github.com/ocfs2-tools/ocfs2/pkg/ocfs2"
)

var log elog.View

var flagVerbose bool

const progname = "debugfs.ocfs2"

var rootCmd = &cobra.Command{
	Use:   progname + " command device [args]",
	Short: "Inspect OCFS2 on-disk structures",

	SilenceUsage:  true,
	SilenceErrors: true,
}

var statsCmd = &cobra.Command{
	Use:   "stats device",
	Short: "Print superblock fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := ocfs2.Open(args[0], true)
		if err != nil {
			return err
		}
		defer fs.Close()
		s := fs.Super
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Field", "Value"})
		rows := [][]string{
			{"Block Size", fmt.Sprintf("%d", fs.BlockSize())},
			{"Cluster Size", fmt.Sprintf("%d", fs.ClusterSize)},
			{"Node Slots", fmt.Sprintf("%d", s.MaxSlots)},
			{"Label", s.Label},
			{"UUID", fmt.Sprintf("%X", s.UUID)},
			{"Root Blkno", fmt.Sprintf("%d", s.RootBlkno)},
			{"Sysdir Blkno", fmt.Sprintf("%d", s.SystemDirBlkno)},
			{"First Cluster Group", fmt.Sprintf("%d", s.FirstClusterGroup)},
			{"Compat", fmt.Sprintf("0x%x", s.CompatFeatures)},
			{"Incompat", fmt.Sprintf("0x%x", s.IncompatFeatures)},
			{"RO Compat", fmt.Sprintf("0x%x", s.RoCompatFeatures)},
		}
		for _, r := range rows {
			table.Append(r)
		}
		table.Render()
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls device [blkno]",
	Short: "List a directory (default: the root directory)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := ocfs2.Open(args[0], true)
		if err != nil {
			return err
		}
		defer fs.Close()
		blkno := fs.Super.RootBlkno
		if len(args) == 2 {
			if blkno, err = strconv.ParseUint(args[1], 10, 64); err != nil {
				return fmt.Errorf("bad block number %q", args[1])
			}
		}
		d, err := ocfs2.ReadDinode(fs.Cache(), blkno)
		if err != nil {
			return err
		}
		dir, err := ocfs2.OpenDirectory(fs, d)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Inode", "Type", "Name"})
		err = dir.Iterate(func(e ocfs2.DirEntry) bool {
			table.Append([]string{fmt.Sprintf("%d", e.Inode), typeName(e.FileType), e.Name})
			return true
		})
		if err != nil {
			return err
		}
		table.Render()
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat device blkno",
	Short: "Print one inode's fields and extent map",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := ocfs2.Open(args[0], true)
		if err != nil {
			return err
		}
		defer fs.Close()
		blkno, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad block number %q", args[1])
		}
		d, err := ocfs2.ReadDinode(fs.Cache(), blkno)
		if err != nil {
			return err
		}
		fmt.Printf("Inode: %d  Mode: %o  Links: %d  Flags: 0x%x\n", d.Blkno, d.Mode, d.Links, d.Flags)
		fmt.Printf("Size: %d  Clusters: %d  Generation: 0x%x\n", d.Size, d.Clusters, d.Generation)
		fmt.Printf("Suballoc: slot %d, group %d, bit %d\n", d.SuballocSlot, d.SuballocLoc, d.SuballocBit)
		if d.ExtentTree == nil {
			return nil
		}
		tree := ocfs2.NewExtentTree(fs, ocfs2.DinodeExtentRoot(d, fs.BlockSize()))
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"CPos", "Clusters", "Blkno", "Flags"})
		err = tree.Iterate(ocfs2.IterLeavesOnly, func(rec ocfs2.ExtentRecord, depth uint16) (bool, error) {
			flags := ""
			if rec.IsUnwritten() {
				flags += "unwritten "
			}
			if rec.IsRefcounted() {
				flags += "refcounted"
			}
			table.Append([]string{
				fmt.Sprintf("%d", rec.CPos),
				fmt.Sprintf("%d", rec.ClusterCount()),
				fmt.Sprintf("%d", rec.Blkno),
				flags,
			})
			return false, nil
		})
		if err != nil {
			return err
		}
		table.Render()
		return nil
	},
}

// findextentsCmd walks every inode linked directly in the root directory
// (subdirectories are not descended into) and reports physical extents
// shared by more than one of them, the read-only duplicate-extent
// diagnostic.
var findextentsCmd = &cobra.Command{
	Use:   "findextents device",
	Short: "Report physical extents referenced more than once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := ocfs2.Open(args[0], true)
		if err != nil {
			return err
		}
		defer fs.Close()
		owners := map[uint64][]uint64{} // physical blkno -> inodes
		err = eachRootEntry(fs, func(name string, d *ocfs2.Dinode) {
			if d.ExtentTree == nil {
				return
			}
			tree := ocfs2.NewExtentTree(fs, ocfs2.DinodeExtentRoot(d, fs.BlockSize()))
			_ = tree.Iterate(ocfs2.IterLeavesOnly, func(rec ocfs2.ExtentRecord, depth uint16) (bool, error) {
				owners[rec.Blkno] = append(owners[rec.Blkno], d.Blkno)
				return false, nil
			})
		})
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Physical Blkno", "Referencing Inodes"})
		for phys, inodes := range owners {
			if len(inodes) < 2 {
				continue
			}
			table.Append([]string{fmt.Sprintf("%d", phys), fmt.Sprintf("%v", inodes)})
		}
		table.Render()
		return nil
	},
}

// hardlinksCmd reports inodes linked under more than one name in the root
// directory; subdirectories are not searched.
var hardlinksCmd = &cobra.Command{
	Use:   "hardlinks device",
	Short: "Report inodes linked under multiple names",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := ocfs2.Open(args[0], true)
		if err != nil {
			return err
		}
		defer fs.Close()
		names := map[uint64][]string{}
		err = eachRootEntry(fs, func(name string, d *ocfs2.Dinode) {
			names[d.Blkno] = append(names[d.Blkno], name)
		})
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Inode", "Names"})
		for blkno, ns := range names {
			if len(ns) < 2 {
				continue
			}
			table.Append([]string{fmt.Sprintf("%d", blkno), fmt.Sprintf("%v", ns)})
		}
		table.Render()
		return nil
	},
}

func eachRootEntry(fs *ocfs2.Filesystem, cb func(name string, d *ocfs2.Dinode)) error {
	root, err := ocfs2.ReadDinode(fs.Cache(), fs.Super.RootBlkno)
	if err != nil {
		return err
	}
	dir, err := ocfs2.OpenDirectory(fs, root)
	if err != nil {
		return err
	}
	type ent struct {
		name  string
		blkno uint64
	}
	var ents []ent
	if err := dir.Iterate(func(e ocfs2.DirEntry) bool {
		if e.Name != "." && e.Name != ".." {
			ents = append(ents, ent{e.Name, e.Inode})
		}
		return true
	}); err != nil {
		return err
	}
	for _, e := range ents {
		d, err := ocfs2.ReadDinode(fs.Cache(), e.blkno)
		if err != nil {
			continue
		}
		cb(e.name, d)
	}
	return nil
}

func typeName(t uint8) string {
	switch t {
	case ocfs2.FTypeDir:
		return "dir"
	case ocfs2.FTypeFile:
		return "file"
	case ocfs2.FTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
		if flagVerbose {
			logger.IsVerbose = true
			logger.IsDebug = true
		}
		log = logger
	}

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(findextentsCmd)
	rootCmd.AddCommand(hardlinksCmd)
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(1)
	}
}
