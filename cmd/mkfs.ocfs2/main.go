package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"code.cloudfoundry.org/bytefmt"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ocfs2-tools/ocfs2/pkg/elog"
	"github.com/ocfs2-tools/ocfs2/pkg/ocfs2"
)

var log elog.View

var (
	flagBlockSize    string
	flagClusterSize  string
	flagLabel        string
	flagSlots        uint16
	flagJournalSize  string
	flagFeatures     string
	flagFeatureLevel string
	flagType         string
	flagVerbose      bool
	flagQuiet        bool
	flagForce        bool
)

const progname = "mkfs.ocfs2"

var rootCmd = &cobra.Command{
	Use:   progname + " [flags] device [blocks]",
	Short: "Create an OCFS2 filesystem",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runMkfs,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func commandInit() {
	f := rootCmd.Flags()
	// Accept the historical underscore spellings of multi-word flags.
	f.SetNormalizeFunc(func(fs *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	f.StringVarP(&flagBlockSize, "block-size", "b", "4K", "block size (512 to 4K)")
	f.StringVarP(&flagClusterSize, "cluster-size", "c", "4K", "cluster size (4K to 1M)")
	f.StringVarP(&flagLabel, "label", "L", "", "volume label")
	f.Uint16VarP(&flagSlots, "node-slots", "N", 4, "number of node slots")
	f.StringVarP(&flagJournalSize, "journal-size", "J", "", "per-slot journal size")
	f.StringVar(&flagFeatures, "fs-features", "", "comma-separated feature list (e.g. sparse,backup-super)")
	f.StringVar(&flagFeatureLevel, "fs-feature-level", "default", "feature preset: default, max-compat or max-features")
	f.StringVarP(&flagType, "type", "T", "", "usage type hint: mail, datafiles or vmstore")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress progress output")
	f.BoolVarP(&flagForce, "force", "f", false, "format even if an existing filesystem is detected")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
		if flagVerbose {
			logger.IsVerbose = true
			logger.IsDebug = true
		}
		if flagQuiet || !isatty.IsTerminal(os.Stdout.Fd()) {
			logger.DisableTTY = true
		}
		log = logger
	}
}

func runMkfs(cmd *cobra.Command, args []string) error {
	device := args[0]

	bs, err := parseSize(flagBlockSize, "block size")
	if err != nil {
		return err
	}
	cs, err := parseSize(flagClusterSize, "cluster size")
	if err != nil {
		return err
	}
	applyTypeHint(&cs)

	features, err := ocfs2.ParseFeatureString(flagFeatureLevel, flagFeatures)
	if err != nil {
		return err
	}

	opts := ocfs2.FormatOptions{
		BlockSize:   uint32(bs),
		ClusterSize: uint32(cs),
		Slots:       flagSlots,
		Label:       flagLabel,
		Features:    features,
	}
	if flagJournalSize != "" {
		j, err := parseSize(flagJournalSize, "journal size")
		if err != nil {
			return err
		}
		opts.JournalClusters = uint32(j / cs)
	}
	if len(args) == 2 {
		var blocks uint64
		if _, err := fmt.Sscanf(args[1], "%d", &blocks); err != nil {
			return fmt.Errorf("bad block count %q", args[1])
		}
		opts.TotalBlocks = blocks
	}

	if !flagForce {
		if fs, err := ocfs2.Open(device, true); err == nil {
			fs.Close()
			return fmt.Errorf("%s already holds an ocfs2 filesystem; use -f to overwrite", device)
		}
	}

	dev, err := ocfs2.OpenDevice(device, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	// The window between the first metadata write and the final
	// superblock write must not be torn by a signal: the handler
	// only raises a flag the formatter polls between steps.
	interrupted := installSignalFlag()
	opts.Interrupted = interrupted

	log.Infof("formatting %s: %d-byte blocks, %d-byte clusters, %d slots", device, bs, cs, flagSlots)
	if err := ocfs2.Format(dev, opts, log); err != nil {
		return err
	}
	log.Printf("%s: formatted %s", progname, device)
	return nil
}

// applyTypeHint adjusts geometry for the -T usage presets.
func applyTypeHint(cs *uint64) {
	switch flagType {
	case "mail":
		// many small files: the default geometry is left unchanged
	case "datafiles", "vmstore":
		if *cs < 128*1024 {
			*cs = 128 * 1024
		}
	}
}

func parseSize(s, what string) (uint64, error) {
	v, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %v", what, s, err)
	}
	return v, nil
}

func installSignalFlag() func() bool {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	var hit bool
	go func() {
		<-ch
		hit = true
	}()
	return func() bool { return hit }
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(1)
	}
}
