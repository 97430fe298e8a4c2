// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"errors"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// fdrCmd merges one or more uncorrected result tables (e.g., one per
// batch) and writes the FDR-corrected table.
type fdrCmd struct{}

func (cmd *fdrCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if errors.Is(err, errUsage) {
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *fdrCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] results.csv [results.csv ...]\n", prog)
		flags.PrintDefaults()
	}
	outputFilename := flags.String("o", qvalueFilename, "output `file`")
	qThreshold := flags.Float64("q-threshold", 0.05, "report genes with q-value below `Q` as significant")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if flags.NArg() == 0 {
		flags.Usage()
		return errUsage
	}
	if err := checkThreshold(*qThreshold); err != nil {
		return err
	}

	var results []geneResult
	seen := map[string]string{}
	for _, fnm := range flags.Args() {
		f, err := zopen(fnm)
		if err != nil {
			return err
		}
		part, err := readResults(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", fnm, err)
		}
		for _, r := range part {
			if prev, dup := seen[r.Gene]; dup {
				return fmt.Errorf("gene %s appears in both %s and %s", r.Gene, prev, fnm)
			}
			seen[r.Gene] = fnm
		}
		log.Infof("read %d results from %s", len(part), fnm)
		results = append(results, part...)
	}
	reportFDR(results, *qThreshold)
	return writeResultsFile(*outputFilename, results, true)
}
