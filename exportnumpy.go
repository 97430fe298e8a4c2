// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"bufio"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy writes the joined cohort as a samples × genes matrix
// for use in other tools.
type exportNumpy struct {
	cohort    cohortFlags
	container containerFlags
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if errors.Is(err, errUsage) {
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *exportNumpy) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	outputDir := flags.String("output-dir", ".", "output `directory`")
	cmd.cohort.Flags(flags)
	cmd.container.Flags(flags, 64000000000, 2)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "errant command line arguments after parsed flags: %v\n", flags.Args())
		return errUsage
	}

	if !cmd.container.Local {
		runner := cmd.container.Runner("ageassoc export-numpy")
		err = cmd.cohort.TranslatePaths(runner)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"export-numpy", "-local=true", "-output-dir=/mnt/output"}, cmd.cohort.Args()...)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/matrix.npy")
		return nil
	}

	c, err := cmd.cohort.Load()
	if err != nil {
		return err
	}
	rows, cols := len(c.samples), len(c.matrix.genes)
	out := make([]float64, rows*cols)
	for gene := range c.matrix.genes {
		for i, cs := range c.samples {
			out[i*cols+gene] = c.matrix.values[gene][cs.column]
		}
	}
	err = writeNumpyFloat64(*outputDir+"/matrix.npy", out, rows, cols)
	if err != nil {
		return err
	}
	err = writeGeneList(c.matrix, *outputDir+"/genes.csv")
	if err != nil {
		return err
	}
	return writeCohortSamples(c, nil, *outputDir+"/samples.csv")
}

func writeNumpyFloat64(fnm string, out []float64, rows, cols int) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriterSize(output, 1<<26)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
	}).Info("writing numpy")
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

func writeGeneList(m *exprMatrix, fnm string) error {
	return writeCSVFile(fnm, func(w *csv.Writer) error {
		if err := w.Write([]string{"Index", "Gene", "Description"}); err != nil {
			return err
		}
		for i, g := range m.genes {
			if err := w.Write([]string{fmt.Sprintf("%d", i), g, m.descriptions[i]}); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeCohortSamples writes one row per cohort sample. If
// components is not nil, components[i] is appended to row i as
// PCA0, PCA1, ... columns.
func writeCohortSamples(c *cohort, components [][]float64, fnm string) error {
	return writeCSVFile(fnm, func(w *csv.Writer) error {
		header := []string{"Index", "SampleID", "SubjectID", "Sex", "Age"}
		if len(components) > 0 {
			for i := range components[0] {
				header = append(header, fmt.Sprintf("PCA%d", i))
			}
		}
		if err := w.Write(header); err != nil {
			return err
		}
		for i, cs := range c.samples {
			row := []string{fmt.Sprintf("%d", i), cs.sampleID, cs.subjectID, cs.sex, formatFloat(cs.age)}
			if components != nil {
				for _, v := range components[i] {
					row = append(row, fmt.Sprintf("%f", v))
				}
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeCSVFile(fnm string, fill func(*csv.Writer) error) error {
	log.Infof("writing %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	err = fill(w)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
