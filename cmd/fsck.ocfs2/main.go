package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ocfs2-tools/ocfs2/pkg/elog"
	"github.com/ocfs2-tools/ocfs2/pkg/ocfs2"
)

var log elog.View

var (
	flagForce   bool
	flagNoFix   bool
	flagYes     bool
	flagVerbose bool
)

const progname = "fsck.ocfs2"

// Exit codes follow the fsck(8) convention: 0 clean, 1 errors corrected,
// 4 errors left uncorrected, 8 operational failure.
const (
	exitClean       = 0
	exitCorrected   = 1
	exitUncorrected = 4
	exitFailure     = 8
)

var rootCmd = &cobra.Command{
	Use:   progname + " [flags] device",
	Short: "Check and repair an OCFS2 filesystem",
	Args:  cobra.ExactArgs(1),
	RunE:  runFsck,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func commandInit() {
	f := rootCmd.Flags()
	f.BoolVarP(&flagForce, "force", "f", false, "check even if the volume looks clean")
	f.BoolVarP(&flagNoFix, "no", "n", false, "report problems without writing any repair")
	f.BoolVarP(&flagYes, "yes", "y", false, "answer yes to every repair prompt")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
		if flagVerbose {
			logger.IsVerbose = true
			logger.IsDebug = true
		}
		if !isatty.IsTerminal(os.Stdout.Fd()) {
			logger.DisableTTY = true
			logger.DisableColors = true
		}
		log = logger
	}
}

func runFsck(cmd *cobra.Command, args []string) error {
	device := args[0]
	repair := flagYes && !flagNoFix

	fs, err := ocfs2.Open(device, flagNoFix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(exitFailure)
	}
	defer fs.Close()

	dom, err := fs.JoinDomain(nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(exitFailure)
	}
	defer dom.Leave()
	if err := ocfs2.SuperLock(dom); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(exitFailure)
	}
	defer func() { _ = ocfs2.SuperUnlock(dom) }()

	res, err := ocfs2.Fsck(fs, repair, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(exitFailure)
	}

	for _, p := range res.Problems {
		fmt.Println(color.YellowString("%s: %s", progname, p))
	}
	switch {
	case res.Clean():
		fmt.Println(color.GreenString("%s: %s is clean", progname, device))
		os.Exit(exitClean)
	case res.Fixed == len(res.Problems):
		fmt.Println(color.GreenString("%s: %d problems corrected", progname, res.Fixed))
		os.Exit(exitCorrected)
	default:
		fmt.Println(color.RedString("%s: %d problems, %d corrected", progname, len(res.Problems), res.Fixed))
		os.Exit(exitUncorrected)
	}
	return nil
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(exitFailure)
	}
}
