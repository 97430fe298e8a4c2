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
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

type interactionPlot struct {
	cohort    cohortFlags
	container containerFlags
}

func (cmd *interactionPlot) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if errors.Is(err, errUsage) {
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *interactionPlot) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	gene := flags.String("gene", "ENSG00000176728.7", "gene `id` to plot")
	label := flags.String("label", "TTTY14", "gene `name` used in plot title and axis label")
	outputFilename := flags.String("o", "", "output `filename` (e.g., './interaction.png')")
	cmd.cohort.Flags(flags)
	cmd.container.Flags(flags, 16000000000, 1)
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
		runner := cmd.container.Runner("ageassoc plot")
		err = cmd.cohort.TranslatePaths(runner)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"plot", "-local=true", "-gene=" + *gene, "-label=" + *label, "-o=/mnt/output/interaction.png"}, cmd.cohort.Args()...)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/interaction.png")
		return nil
	}
	if *outputFilename == "" {
		return errors.New("must specify -o filename.png in local mode (or try -help)")
	}

	c, err := cmd.cohort.Load()
	if err != nil {
		return err
	}
	row := c.matrix.geneIndex(*gene)
	if row < 0 {
		return fmt.Errorf("gene %q not found in expression matrix", *gene)
	}
	return writeInteractionPlot(c, row, *label, *outputFilename)
}

// writeInteractionPlot draws expression against age for one gene,
// one colour per SEX level, each with its own least squares line.
func writeInteractionPlot(c *cohort, gene int, label, fnm string) error {
	if label == "" {
		label = c.matrix.genes[gene]
	}
	y := c.expression(gene, nil)
	bylevel := map[string]plotter.XYs{}
	for i, cs := range c.samples {
		if cs.sex == "" || math.IsNaN(cs.age) || math.IsNaN(y[i]) {
			continue
		}
		bylevel[cs.sex] = append(bylevel[cs.sex], plotter.XY{X: cs.age, Y: y[i]})
	}
	if len(bylevel) == 0 {
		return fmt.Errorf("gene %s: no samples with known age and sex", c.matrix.genes[gene])
	}
	levels := make([]string, 0, len(bylevel))
	for l := range bylevel {
		levels = append(levels, l)
	}
	sortLevels(levels)

	p := plot.New()
	p.Title.Text = "Interaction between AGE and SEX on " + label
	p.X.Label.Text = "Age"
	p.Y.Label.Text = "Gene Expression (" + label + ")"
	for i, level := range levels {
		xys := bylevel[level]
		colour := plotutil.Color(i)
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		scatter.GlyphStyle.Color = colour
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(scatter)
		p.Legend.Add("SEX "+level, scatter)

		intercept, slope, ok := simpleRegression(xys)
		if !ok {
			continue
		}
		sort.Slice(xys, func(a, b int) bool { return xys[a].X < xys[b].X })
		line := plotter.NewFunction(func(x float64) float64 { return intercept + slope*x })
		line.XMin = xys[0].X
		line.XMax = xys[len(xys)-1].X
		line.Color = colour
		line.Width = vg.Points(2)
		p.Add(line)
	}
	log.Infof("writing interaction plot for %s to %s", c.matrix.genes[gene], fnm)
	return p.Save(9*vg.Inch, 6*vg.Inch, fnm)
}

// simpleRegression fits y = a + b·x. ok is false if the fit is not
// determined (fewer than two distinct x values).
func simpleRegression(xys plotter.XYs) (a, b float64, ok bool) {
	if len(xys) < 2 {
		return 0, 0, false
	}
	x := mat.NewDense(len(xys), 2, nil)
	y := mat.NewVecDense(len(xys), nil)
	for i, xy := range xys {
		x.Set(i, 0, 1)
		x.Set(i, 1, xy.X)
		y.SetVec(i, xy.Y)
	}
	var qr mat.QR
	qr.Factorize(x)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, y); err != nil {
		return 0, 0, false
	}
	return beta.AtVec(0), beta.AtVec(1), true
}
