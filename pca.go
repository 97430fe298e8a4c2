// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// goPCA projects cohort samples onto the principal components of
// their expression profiles.
type goPCA struct {
	cohort    cohortFlags
	container containerFlags
}

func (cmd *goPCA) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if errors.Is(err, errUsage) {
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *goPCA) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	outputDir := flags.String("output-dir", ".", "output `directory`")
	components := flags.Int("components", 4, "number of components")
	cmd.cohort.Flags(flags)
	cmd.container.Flags(flags, 64000000000, 4)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "errant command line arguments after parsed flags: %v\n", flags.Args())
		return errUsage
	}
	if *components < 1 {
		return fmt.Errorf("invalid -components=%d", *components)
	}

	if !cmd.container.Local {
		runner := cmd.container.Runner("ageassoc pca")
		err = cmd.cohort.TranslatePaths(runner)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"pca", "-local=true", "-output-dir=/mnt/output", fmt.Sprintf("-components=%d", *components)}, cmd.cohort.Args()...)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/pca.npy")
		return nil
	}

	c, err := cmd.cohort.Load()
	if err != nil {
		return err
	}
	pcs, err := cohortPCA(c, *components)
	if err != nil {
		return err
	}
	rows, cols := pcs.Dims()
	out := make([]float64, rows*cols)
	perSample := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		perSample[i] = out[i*cols : (i+1)*cols]
		for j := 0; j < cols; j++ {
			out[i*cols+j] = pcs.At(i, j)
		}
	}
	err = writeNumpyFloat64(*outputDir+"/pca.npy", out, rows, cols)
	if err != nil {
		return err
	}
	err = writeCohortSamples(c, perSample, *outputDir+"/samples.csv")
	if err != nil {
		return err
	}
	log.Print("done")
	return nil
}

// cohortPCA returns a samples × components matrix. Genes with missing
// values or zero variance across the cohort are left out.
func cohortPCA(c *cohort, components int) (mat.Matrix, error) {
	var keep []int
	buf := make([]float64, 0, len(c.samples))
GENE:
	for gene := range c.matrix.genes {
		buf = c.expression(gene, buf)
		for _, v := range buf {
			if math.IsNaN(v) {
				continue GENE
			}
		}
		if stat.Variance(buf, nil) > 0 {
			keep = append(keep, gene)
		}
	}
	if len(keep) < components {
		return nil, fmt.Errorf("only %d usable genes, cannot compute %d components", len(keep), components)
	}
	if len(c.samples) < components {
		return nil, fmt.Errorf("only %d samples, cannot compute %d components", len(c.samples), components)
	}

	log.Printf("creating matrix: %d genes, %d samples", len(keep), len(c.samples))
	mtx := mat.NewDense(len(keep), len(c.samples), nil)
	for row, gene := range keep {
		mtx.SetRow(row, c.expression(gene, buf))
	}

	log.Print("fitting")
	transformer := nlp.NewPCA(components)
	transformer.Fit(mtx)
	log.Printf("transforming")
	pcs, err := transformer.Transform(mtx)
	if err != nil {
		return nil, err
	}
	return pcs.T(), nil
}
