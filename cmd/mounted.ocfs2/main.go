package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ocfs2-tools/ocfs2/pkg/ocfs2"
)

var (
	flagDetect bool
	flagFull   bool
)

const progname = "mounted.ocfs2"

// deviceLister is injectable so tests can feed a fixed candidate list
// instead of scanning the host's partition table.
var deviceLister = listProcPartitions

var rootCmd = &cobra.Command{
	Use:   progname + " [flags] [device ...]",
	Short: "Detect OCFS2 volumes on block devices",
	RunE:  runMounted,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func commandInit() {
	f := rootCmd.Flags()
	f.BoolVarP(&flagDetect, "detect", "d", true, "quick detect: print device, label and UUID")
	f.BoolVarP(&flagFull, "full", "f", false, "also print slots and feature words")
}

func runMounted(cmd *cobra.Command, args []string) error {
	devices := args
	if len(devices) == 0 {
		var err error
		if devices, err = deviceLister(); err != nil {
			return err
		}
	}

	found := 0
	for _, dev := range devices {
		fs, err := ocfs2.Open(dev, true)
		if err != nil {
			continue
		}
		found++
		s := fs.Super
		if flagFull {
			fmt.Printf("%-24s %-16s %X  slots=%d  compat=0x%x incompat=0x%x ro=0x%x\n",
				dev, s.Label, s.UUID, s.MaxSlots, s.CompatFeatures, s.IncompatFeatures, s.RoCompatFeatures)
		} else {
			fmt.Printf("%-24s %-16s %X\n", dev, s.Label, s.UUID)
		}
		fs.Close()
	}
	if found == 0 {
		fmt.Println(color.YellowString("%s: no ocfs2 volumes found", progname))
	}
	return nil
}

// listProcPartitions enumerates candidate block devices the way the
// kernel publishes them.
func listProcPartitions() ([]string, error) {
	f, err := os.Open("/proc/partitions")
	if err != nil {
		return nil, fmt.Errorf("cannot enumerate partitions: %v", err)
	}
	defer f.Close()

	var devices []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 4 || fields[0] == "major" {
			continue
		}
		devices = append(devices, filepath.Join("/dev", fields[3]))
	}
	return devices, scanner.Err()
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(1)
	}
}
