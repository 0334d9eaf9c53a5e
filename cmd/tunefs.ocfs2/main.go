package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"os"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ocfs2-tools/ocfs2/pkg/elog"
	"github.com/ocfs2-tools/ocfs2/pkg/ocfs2"
)

var log elog.View

var (
	flagLabel       string
	flagSlots       uint16
	flagJournalSize string
	flagVolumeSize  string
	flagNewUUID     bool
	flagQuery       string
	flagFeatures    string
	flagCloned      string
	flagVerbose     bool
	flagQuiet       bool
)

const progname = "tunefs.ocfs2"

var rootCmd = &cobra.Command{
	Use:   progname + " [flags] device",
	Short: "Adjust OCFS2 filesystem parameters",
	Args:  cobra.ExactArgs(1),
	RunE:  runTunefs,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func commandInit() {
	f := rootCmd.Flags()
	f.StringVarP(&flagLabel, "label", "L", "", "set the volume label")
	f.Uint16VarP(&flagSlots, "node-slots", "N", 0, "grow the number of node slots")
	f.StringVarP(&flagJournalSize, "journal-size", "J", "", "resize the per-slot journals")
	f.StringVarP(&flagVolumeSize, "volume-size", "S", "", "grow the volume to this size")
	f.BoolVarP(&flagNewUUID, "uuid-reset", "U", false, "stamp a fresh volume UUID")
	f.StringVarP(&flagQuery, "query", "Q", "", "print volume facts with a printf-like format")
	f.StringVar(&flagFeatures, "fs-features", "", "enable (token) or disable (notoken) features")
	f.StringVar(&flagCloned, "cloned-volume", "", "mark a block-level clone: new UUID plus this label")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress progress output")

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

func runTunefs(cmd *cobra.Command, args []string) error {
	device := args[0]
	readOnly := flagQuery != "" && flagLabel == "" && flagSlots == 0 &&
		flagJournalSize == "" && flagVolumeSize == "" && !flagNewUUID &&
		flagFeatures == "" && flagCloned == ""

	fs, err := ocfs2.Open(device, readOnly)
	if err != nil {
		return err
	}
	defer fs.Close()

	if fs.Super.TunefsInProgress != 0 && !readOnly {
		return fmt.Errorf("an interrupted tunefs operation (0x%x) must be recovered first", fs.Super.TunefsInProgress)
	}

	if flagQuery != "" {
		fmt.Print(ocfs2.QueryFormat(fs, flagQuery))
		if readOnly {
			return nil
		}
	}

	// Whole-volume mutations run under the exclusive super lock;
	// the in-process backend still catches two tools racing in one
	// process, and a cluster backend slots in here unchanged.
	dom, err := fs.JoinDomain(nil, nil)
	if err != nil {
		return err
	}
	defer dom.Leave()
	if err := ocfs2.SuperLock(dom); err != nil {
		return err
	}
	defer func() { _ = ocfs2.SuperUnlock(dom) }()

	if flagCloned != "" {
		if err := ocfs2.SetUUID(fs, [16]byte{}); err != nil {
			return err
		}
		if err := ocfs2.SetLabel(fs, flagCloned); err != nil {
			return err
		}
		log.Printf("%s: reset clone identity on %s", progname, device)
	}
	if flagNewUUID {
		if err := ocfs2.SetUUID(fs, [16]byte{}); err != nil {
			return err
		}
	}
	if flagLabel != "" {
		if err := ocfs2.SetLabel(fs, flagLabel); err != nil {
			return err
		}
	}
	if flagSlots != 0 {
		if err := ocfs2.AddSlots(fs, flagSlots, log); err != nil {
			return err
		}
	}
	if flagFeatures != "" {
		for _, tok := range strings.Split(flagFeatures, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if strings.HasPrefix(tok, "no") {
				err = ocfs2.DisableFeature(fs, strings.TrimPrefix(tok, "no"), log)
			} else {
				err = ocfs2.EnableFeature(fs, tok, log)
			}
			if err != nil {
				return err
			}
		}
	}
	if flagVolumeSize != "" {
		bytes, err := bytefmt.ToBytes(flagVolumeSize)
		if err != nil {
			return fmt.Errorf("bad volume size %q: %v", flagVolumeSize, err)
		}
		if err := ocfs2.Resize(fs, bytes/uint64(fs.ClusterSize), log); err != nil {
			return err
		}
	}
	if flagJournalSize != "" {
		bytes, err := bytefmt.ToBytes(flagJournalSize)
		if err != nil {
			return fmt.Errorf("bad journal size %q: %v", flagJournalSize, err)
		}
		if err := ocfs2.ResizeJournals(fs, uint32(bytes/uint64(fs.ClusterSize)), log); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(1)
	}
}
