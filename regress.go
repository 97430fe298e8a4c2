// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	resultsFilename = "gene_regression_results.csv"
	qvalueFilename  = "gene_regression_results_qvalue.csv"
)

// regressionFlags select the test used for each model term.
type regressionFlags struct {
	Test     string
	SexLevel string
	Threads  int
}

func (rf *regressionFlags) Flags(flags *flag.FlagSet) {
	flags.StringVar(&rf.Test, "test", "wald", "p-value method: `wald` (OLS t-test) or lrt (likelihood ratio, Gaussian GLM)")
	flags.StringVar(&rf.SexLevel, "sex-level", "2", "SEX `level` whose contrast against the reference level is reported")
	flags.IntVar(&rf.Threads, "threads", 1, "number of genes to fit concurrently")
}

func (rf *regressionFlags) Args() []string {
	return []string{
		"-test=" + rf.Test,
		"-sex-level=" + rf.SexLevel,
		fmt.Sprintf("-threads=%d", rf.Threads),
	}
}

func (rf *regressionFlags) Check() error {
	if rf.Test != "wald" && rf.Test != "lrt" {
		return fmt.Errorf("invalid -test=%q (must be wald or lrt)", rf.Test)
	}
	return nil
}

// fitGene fits expression ~ AGE + SEX + AGE:SEX for one gene. A gene
// whose model cannot be fitted gets NaN statistics.
func (rf *regressionFlags) fitGene(c *cohort, gene int, ages []float64, sexes []string) (geneResult, error) {
	res := newGeneResult(c.matrix.genes[gene], c.matrix.descriptions[gene])
	y := c.expression(gene, make([]float64, 0, len(c.samples)))
	x, yv, names := ageSexDesign(y, ages, sexes)
	fit, err := fitOLS(x, yv, names)
	if errors.Is(err, errTooFewSamples) || errors.Is(err, errSingularDesign) {
		log.Debugf("gene %s: %s", res.Gene, err)
		return res, nil
	} else if err != nil {
		return res, fmt.Errorf("gene %s: %w", res.Gene, err)
	}
	res.RSquared = fit.rsquared
	switch rf.Test {
	case "lrt":
		pvalues := lrtPvalues(x, yv, names)
		if p, ok := pvalues[termAge]; ok {
			res.PAge = p
		}
		if p, ok := pvalues[termSex(rf.SexLevel)]; ok {
			res.PSex = p
		}
		if p, ok := pvalues[termInteraction(rf.SexLevel)]; ok {
			res.PInteraction = p
		}
	default:
		res.PAge = fit.pvalue(termAge)
		res.PSex = fit.pvalue(termSex(rf.SexLevel))
		res.PInteraction = fit.pvalue(termInteraction(rf.SexLevel))
	}
	return res, nil
}

// fitGenes fits genes [start, end) and returns their results in row
// order.
func (rf *regressionFlags) fitGenes(c *cohort, start, end int) ([]geneResult, error) {
	ages, sexes := c.ages(), c.sexes()
	levelSeen := false
	for _, s := range sexes {
		if s == rf.SexLevel {
			levelSeen = true
			break
		}
	}
	if !levelSeen {
		log.Warnf("SEX level %q does not occur in cohort, p_SEX and p_Interaction will be empty", rf.SexLevel)
	}

	results := make([]geneResult, end-start)
	var done int64
	th := throttle{Max: rf.Threads}
	for gene := start; gene < end; gene++ {
		gene := gene
		th.Go(func() error {
			res, err := rf.fitGene(c, gene, ages, sexes)
			if err != nil {
				return err
			}
			results[gene-start] = res
			if n := atomic.AddInt64(&done, 1); n%1000 == 0 {
				log.Infof("fitted %d/%d genes", n, end-start)
			}
			return nil
		})
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type regressCmd struct {
	cohort     cohortFlags
	regression regressionFlags
	container  containerFlags
	batchArgs  batchArgs
}

func (cmd *regressCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if errors.Is(err, errUsage) {
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

// errUsage is returned by flag parsing after the flag package has
// already reported the problem.
var errUsage = errors.New("usage error")

func (cmd *regressCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	qThreshold := flags.Float64("q-threshold", 0.05, "report genes with q-value below `Q` as significant")
	plotGene := flags.String("plot-gene", "ENSG00000176728.7", "write interaction plot for `gene` (empty = no plot)")
	plotLabel := flags.String("plot-label", "TTTY14", "gene `name` used in plot title and axis label")
	plotFilename := flags.String("plot-output", "interaction.png", "interaction plot `filename`, relative to -output-dir")
	cmd.cohort.Flags(flags)
	cmd.regression.Flags(flags)
	cmd.container.Flags(flags, 64000000000, 4)
	cmd.batchArgs.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "errant command line arguments after parsed flags: %v\n", flags.Args())
		return errUsage
	}
	if err := cmd.batchArgs.Check(); err != nil {
		fmt.Fprintln(stderr, err)
		return errUsage
	}
	if err := cmd.regression.Check(); err != nil {
		return err
	}
	if err := checkThreshold(*qThreshold); err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !cmd.container.Local {
		runner := cmd.container.Runner("ageassoc regress")
		err = cmd.cohort.TranslatePaths(runner)
		if err != nil {
			return err
		}
		outputs, err := cmd.batchArgs.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
			runner := *runner
			runner.Name = fmt.Sprintf("ageassoc regress batch %d/%d", batch, cmd.batchArgs.batches)
			runner.Args = []string{"regress", "-local=true",
				"-output-dir=/mnt/output",
				fmt.Sprintf("-q-threshold=%g", *qThreshold),
				"-plot-label=" + *plotLabel,
				"-plot-output=" + *plotFilename,
			}
			if batch == 0 {
				runner.Args = append(runner.Args, "-plot-gene="+*plotGene)
			} else {
				runner.Args = append(runner.Args, "-plot-gene=")
			}
			runner.Args = append(runner.Args, cmd.cohort.Args()...)
			runner.Args = append(runner.Args, cmd.regression.Args()...)
			runner.Args = append(runner.Args, cmd.batchArgs.Args(batch)...)
			return runner.RunContext(ctx)
		})
		if err != nil {
			return err
		}
		for _, fnm := range batchOutputFiles(outputs, cmd.batchArgs.batches) {
			fmt.Fprintln(stdout, fnm)
		}
		if len(outputs) > 1 {
			log.Infof("per-batch results are not FDR-corrected; run 'ageassoc fdr' on the %d files listed above", len(outputs))
		}
		return nil
	}

	c, err := cmd.cohort.Load()
	if err != nil {
		return err
	}
	start, end := cmd.batchArgs.Range(len(c.matrix.genes))
	partial := start > 0 || end < len(c.matrix.genes)
	log.Infof("fitting %d genes (%d..%d) on %d samples, %d threads", end-start, start, end, len(c.samples), cmd.regression.Threads)
	t0 := time.Now()
	results, err := cmd.regression.fitGenes(c, start, end)
	if err != nil {
		return err
	}
	log.Infof("training completed in %.2f seconds", time.Since(t0).Seconds())

	err = writeResultsFile(*outputDir+"/"+resultsFilename, results, false)
	if err != nil {
		return err
	}

	if partial {
		log.Infof("batch %d/%d covers genes %d..%d only, skipping FDR correction", cmd.batchArgs.batch, cmd.batchArgs.batches, start, end)
	} else {
		reportFDR(results, *qThreshold)
		err = writeResultsFile(*outputDir+"/"+qvalueFilename, results, true)
		if err != nil {
			return err
		}
	}

	if *plotGene != "" {
		gene := c.matrix.geneIndex(*plotGene)
		if gene < 0 {
			log.Warnf("plot gene %q not found in expression matrix, skipping plot", *plotGene)
		} else {
			err = writeInteractionPlot(c, gene, *plotLabel, *outputDir+"/"+*plotFilename)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// batchOutputFiles lists the result files in the given output
// collections. When the genes were not split into batches, the single
// output also has the q-value file.
func batchOutputFiles(outputs []string, batches int) []string {
	var files []string
	for _, output := range outputs {
		files = append(files, output+"/"+resultsFilename)
	}
	if batches == 1 && len(outputs) == 1 {
		files = append(files, outputs[0]+"/"+qvalueFilename)
	}
	return files
}

// reportFDR applies BH correction to results and logs the p-value
// summary and the number of significant genes per effect.
func reportFDR(results []geneResult, threshold float64) {
	for name, s := range summarize(results) {
		log.Infof("p_%s: count %d mean %.4g std %.4g min %.4g 25%% %.4g 50%% %.4g 75%% %.4g max %.4g",
			name, s.Count, s.Mean, s.Std, s.Min, s.Q25, s.Q50, s.Q75, s.Max)
	}
	applyFDR(results)
	counts := countSignificant(results, threshold)
	log.Infof("significant genes (q < %g):", threshold)
	log.Infof("  AGE effect: %d genes", counts["AGE"])
	log.Infof("  SEX effect: %d genes", counts["SEX"])
	log.Infof("  AGE × SEX effect: %d genes", counts["Interaction"])
}

func writeResultsFile(fnm string, results []geneResult, withQ bool) error {
	log.Infof("writing %d results to %s", len(results), fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	err = writeResults(bufw, results, withQ)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}

func checkThreshold(q float64) error {
	if !(q > 0 && q <= 1) {
		return fmt.Errorf("invalid -q-threshold=%g (must be in (0, 1])", q)
	}
	return nil
}
