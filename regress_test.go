// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type regressSuite struct {
	tmpdir string
}

var _ = check.Suite(&regressSuite{})

var testGenes = []string{"ENSGAGE.1", "ENSGSEX.1", "ENSG00000176728.7", "ENSGNOISE.1", "ENSGCONST.1"}

// SetUpSuite writes a small synthetic cohort: 40 blood donors (one
// without phenotype data), a few non-blood samples, one blood sample
// that is missing from the expression matrix, and one expression
// column that has no sample attributes.
func (s *regressSuite) SetUpSuite(c *check.C) {
	s.tmpdir = c.MkDir()
	rnd := rand.New(rand.NewSource(42))
	buckets := []string{"20-29", "30-39", "40-49", "50-59", "60-69", "70-79"}

	var attrs, pheno bytes.Buffer
	fmt.Fprint(&attrs, "SAMPID\tSMTS\tSMTSD\n")
	fmt.Fprint(&pheno, "SUBJID\tSEX\tAGE\tDTHHRDY\n")
	var columns []string
	columnValue := map[string]func(gene int) float64{}
	for i := 0; i < 40; i++ {
		subj := fmt.Sprintf("GTEX-S%02d", i)
		bucket := buckets[(i/2)%6]
		age := ageMidpoint[bucket]
		sex := "1"
		if i%2 == 1 {
			sex = "2"
		}
		if i < 39 {
			fmt.Fprintf(&pheno, "%s\t%s\t%s\t0\n", subj, sex, bucket)
		}

		blood := subj + "-0005-SM-B" + strconv.Itoa(i)
		fmt.Fprintf(&attrs, "%s\tBlood\tWhole Blood\n", blood)
		column := blood
		if i%3 == 0 {
			column = strings.Replace(blood, "-", ".", -1)
		}
		columns = append(columns, column)
		columnValue[column] = func(gene int) float64 {
			switch gene {
			case 0:
				return 0.05*age + 0.1*rnd.NormFloat64()
			case 1:
				if sex == "2" {
					return 4 + 0.1*rnd.NormFloat64()
				}
				return 2 + 0.1*rnd.NormFloat64()
			case 2:
				if sex == "1" {
					return 3 + 0.2*rnd.NormFloat64()
				}
				return math.Abs(0.05 * rnd.NormFloat64())
			case 3:
				return 2 + 0.3*rnd.NormFloat64()
			default:
				return 0
			}
		}

		if i < 5 {
			adipose := subj + "-0226-SM-A" + strconv.Itoa(i)
			fmt.Fprintf(&attrs, "%s\tAdipose Tissue\tAdipose - Subcutaneous\n", adipose)
			columns = append(columns, adipose)
			columnValue[adipose] = func(int) float64 { return 10 * rnd.Float64() }
		}
	}
	fmt.Fprint(&attrs, "GTEX-S00-0006-SM-MISSING\tBlood\tWhole Blood\n")
	columns = append(columns, "GTEX-EXTRA-0005-SM-X")
	columnValue["GTEX-EXTRA-0005-SM-X"] = func(int) float64 { return 10 * rnd.Float64() }

	var gct bytes.Buffer
	fmt.Fprintf(&gct, "#1.2\n%d\t%d\nName\tDescription\t%s\n", len(testGenes), len(columns), strings.Join(columns, "\t"))
	for gene, id := range testGenes {
		fmt.Fprintf(&gct, "%s\tdescription %d", id, gene)
		for _, col := range columns {
			log2 := columnValue[col](gene)
			fmt.Fprintf(&gct, "\t%s", strconv.FormatFloat(math.Exp2(log2)-1, 'g', -1, 64))
		}
		fmt.Fprint(&gct, "\n")
	}

	c.Assert(ioutil.WriteFile(s.tmpdir+"/tpm.gct", gct.Bytes(), 0666), check.IsNil)
	c.Assert(ioutil.WriteFile(s.tmpdir+"/metadata.txt", attrs.Bytes(), 0666), check.IsNil)
	c.Assert(ioutil.WriteFile(s.tmpdir+"/metadata2.txt", pheno.Bytes(), 0666), check.IsNil)
}

func (s *regressSuite) inputArgs() []string {
	return []string{
		"-local=true",
		"-expression=" + s.tmpdir + "/tpm.gct",
		"-sample-attributes=" + s.tmpdir + "/metadata.txt",
		"-subject-phenotypes=" + s.tmpdir + "/metadata2.txt",
	}
}

func readResultsFile(c *check.C, fnm string) []geneResult {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	results, err := readResults(f)
	c.Assert(err, check.IsNil)
	return results
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func (s *regressSuite) TestRegress(c *check.C) {
	outdir := c.MkDir()
	code := (&regressCmd{}).RunCommand("ageassoc regress", append(s.inputArgs(), "-output-dir="+outdir), nil, &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	results := readResultsFile(c, outdir+"/"+resultsFilename)
	c.Assert(results, check.HasLen, len(testGenes))
	for i, r := range results {
		c.Check(r.Gene, check.Equals, testGenes[i])
		c.Check(r.Description, check.Equals, fmt.Sprintf("description %d", i))
		c.Check(math.IsNaN(r.QAge), check.Equals, true)
	}
	c.Check(results[0].PAge < 1e-6, check.Equals, true, check.Commentf("%+v", results[0]))
	c.Check(results[0].RSquared > 0.8, check.Equals, true, check.Commentf("%+v", results[0]))

	qvalues := readResultsFile(c, outdir+"/"+qvalueFilename)
	c.Assert(qvalues, check.HasLen, len(testGenes))
	for i, r := range qvalues {
		c.Check(sameFloat(r.PAge, results[i].PAge), check.Equals, true)
		if !math.IsNaN(r.PAge) {
			c.Check(r.QAge >= r.PAge, check.Equals, true)
		}
	}
	c.Check(qvalues[0].QAge < 0.05, check.Equals, true, check.Commentf("%+v", qvalues[0]))
	c.Check(qvalues[1].QSex < 0.05, check.Equals, true, check.Commentf("%+v", qvalues[1]))
	c.Check(qvalues[2].QSex < 0.05, check.Equals, true, check.Commentf("%+v", qvalues[2]))
	c.Check(math.IsNaN(qvalues[4].RSquared), check.Equals, true)

	png, err := ioutil.ReadFile(outdir + "/interaction.png")
	c.Assert(err, check.IsNil)
	c.Check(bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")), check.Equals, true)

	// Merging the per-batch outputs reproduces the single-run
	// q-values.
	var batchFiles []string
	for batch := 0; batch < 2; batch++ {
		batchdir := c.MkDir()
		code := (&regressCmd{}).RunCommand("ageassoc regress", append(s.inputArgs(),
			"-output-dir="+batchdir,
			"-plot-gene=",
			"-batches=2",
			fmt.Sprintf("-batch=%d", batch),
		), nil, &bytes.Buffer{}, os.Stderr)
		c.Assert(code, check.Equals, 0)
		_, err := os.Stat(batchdir + "/" + qvalueFilename)
		c.Check(os.IsNotExist(err), check.Equals, true)
		_, err = os.Stat(batchdir + "/interaction.png")
		c.Check(os.IsNotExist(err), check.Equals, true)
		batchFiles = append(batchFiles, batchdir+"/"+resultsFilename)
	}
	c.Check(readResultsFile(c, batchFiles[0]), check.HasLen, 3)
	c.Check(readResultsFile(c, batchFiles[1]), check.HasLen, 2)

	merged := outdir + "/merged.csv"
	code = (&fdrCmd{}).RunCommand("ageassoc fdr", append([]string{"-o", merged}, batchFiles...), nil, &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	mergedResults := readResultsFile(c, merged)
	c.Assert(mergedResults, check.HasLen, len(qvalues))
	for i, r := range mergedResults {
		expect := qvalues[i]
		c.Check(r.Gene, check.Equals, expect.Gene)
		c.Check(sameFloat(r.QAge, expect.QAge), check.Equals, true, check.Commentf("%+v != %+v", r, expect))
		c.Check(sameFloat(r.QSex, expect.QSex), check.Equals, true, check.Commentf("%+v != %+v", r, expect))
		c.Check(sameFloat(r.QInteraction, expect.QInteraction), check.Equals, true, check.Commentf("%+v != %+v", r, expect))
	}

	var stderr bytes.Buffer
	code = (&fdrCmd{}).RunCommand("ageassoc fdr", []string{"-o", merged, batchFiles[0], batchFiles[0]}, nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `gene ENSGAGE.1 appears in both .*\n`)
}

func (s *regressSuite) TestRegressLRT(c *check.C) {
	outdir := c.MkDir()
	code := (&regressCmd{}).RunCommand("ageassoc regress", append(s.inputArgs(), "-output-dir="+outdir, "-test=lrt", "-threads=3", "-plot-gene=ENSGNONEXISTENT"), nil, &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	results := readResultsFile(c, outdir+"/"+qvalueFilename)
	c.Assert(results, check.HasLen, len(testGenes))
	c.Check(results[0].PAge < 1e-6, check.Equals, true, check.Commentf("%+v", results[0]))
	c.Check(results[1].PSex < 1e-3, check.Equals, true, check.Commentf("%+v", results[1]))
	for _, r := range results[:4] {
		for _, p := range []float64{r.PAge, r.PSex, r.PInteraction} {
			c.Check(p >= 0 && p <= 1, check.Equals, true, check.Commentf("%+v", r))
		}
	}
	_, err := os.Stat(outdir + "/interaction.png")
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *regressSuite) TestUsage(c *check.C) {
	for _, args := range [][]string{
		{"-test=anova"},
		{"-q-threshold=0"},
		{"-q-threshold=1.5"},
	} {
		var stderr bytes.Buffer
		code := (&regressCmd{}).RunCommand("ageassoc regress", append(s.inputArgs(), args...), nil, &bytes.Buffer{}, &stderr)
		c.Check(code, check.Equals, 1, check.Commentf("%v", args))
		c.Check(stderr.String(), check.Matches, `invalid -.*\n`)
	}
	code := (&regressCmd{}).RunCommand("ageassoc regress", []string{"-no-such-flag"}, nil, &bytes.Buffer{}, &bytes.Buffer{})
	c.Check(code, check.Equals, 2)
	outdir := c.MkDir()
	var batchStderr bytes.Buffer
	code = (&regressCmd{}).RunCommand("ageassoc regress", append(s.inputArgs(), "-output-dir="+outdir, "-batches=2", "-batch=5"), nil, &bytes.Buffer{}, &batchStderr)
	c.Check(code, check.Equals, 2)
	c.Check(batchStderr.String(), check.Matches, `invalid -batch=5 .*\n`)
	_, err := os.Stat(outdir + "/" + resultsFilename)
	c.Check(os.IsNotExist(err), check.Equals, true)
	code = (&regressCmd{}).RunCommand("ageassoc regress", []string{"-batches=2", "-batch=2"}, nil, &bytes.Buffer{}, &bytes.Buffer{})
	c.Check(code, check.Equals, 2)
	code = (&regressCmd{}).RunCommand("ageassoc regress", append(s.inputArgs(), "extra"), nil, &bytes.Buffer{}, &bytes.Buffer{})
	c.Check(code, check.Equals, 2)
	code = (&fdrCmd{}).RunCommand("ageassoc fdr", nil, nil, &bytes.Buffer{}, &bytes.Buffer{})
	c.Check(code, check.Equals, 2)

	var stderr bytes.Buffer
	code = (&regressCmd{}).RunCommand("ageassoc regress", append(s.inputArgs(), "-tissue=Liver"), nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*no samples with tissue "Liver"\n`)
}

func (s *regressSuite) TestPlot(c *check.C) {
	outdir := c.MkDir()
	code := (&interactionPlot{}).RunCommand("ageassoc plot", append(s.inputArgs(), "-gene=ENSGSEX.1", "-label=SEXGENE", "-o="+outdir+"/sex.png"), nil, &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	png, err := ioutil.ReadFile(outdir + "/sex.png")
	c.Assert(err, check.IsNil)
	c.Check(bytes.HasPrefix(png, []byte("\x89PNG")), check.Equals, true)

	var stderr bytes.Buffer
	code = (&interactionPlot{}).RunCommand("ageassoc plot", append(s.inputArgs(), "-gene=ENSGNONEXISTENT", "-o="+outdir+"/x.png"), nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `gene "ENSGNONEXISTENT" not found.*\n`)
}

func (s *regressSuite) TestExportNumpy(c *check.C) {
	outdir := c.MkDir()
	code := (&exportNumpy{}).RunCommand("ageassoc export-numpy", append(s.inputArgs(), "-output-dir="+outdir), nil, &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	f, err := os.Open(outdir + "/matrix.npy")
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{40, len(testGenes)})
	values, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(values, check.HasLen, 40*len(testGenes))
	for row := 0; row < 40; row++ {
		c.Check(values[row*len(testGenes)+4], check.Equals, 0.0)
	}

	samples, err := ioutil.ReadFile(outdir + "/samples.csv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(samples), "\n"), "\n")
	c.Check(lines, check.HasLen, 41)
	c.Check(lines[0], check.Equals, "Index,SampleID,SubjectID,Sex,Age")
	c.Check(lines[1], check.Equals, "0,GTEX-S00-0005-SM-B0,GTEX-S00,1,25")
	c.Check(lines[40], check.Equals, "39,GTEX-S39-0005-SM-B39,GTEX-S39,,")

	genes, err := ioutil.ReadFile(outdir + "/genes.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(genes), check.Matches, `Index,Gene,Description\n0,ENSGAGE.1,description 0\n(?s:.*)4,ENSGCONST.1,description 4\n`)
}

func (s *regressSuite) TestPCA(c *check.C) {
	outdir := c.MkDir()
	code := (&goPCA{}).RunCommand("ageassoc pca", append(s.inputArgs(), "-output-dir="+outdir, "-components=2"), nil, &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	f, err := os.Open(outdir + "/pca.npy")
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{40, 2})
	pcs, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(pcs, check.HasLen, 80)

	samples, err := ioutil.ReadFile(outdir + "/samples.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(samples), check.Matches, `Index,SampleID,SubjectID,Sex,Age,PCA0,PCA1\n0,GTEX-S00-0005-SM-B0,GTEX-S00,1,25,[-0-9.]+,[-0-9.]+\n(?s:.*)`)

	code = (&goPCA{}).RunCommand("ageassoc pca", append(s.inputArgs(), "-output-dir="+outdir, "-components=5"), nil, &bytes.Buffer{}, &bytes.Buffer{})
	c.Check(code, check.Equals, 1)
}

func (s *regressSuite) TestBatchOutputFiles(c *check.C) {
	c.Check(batchOutputFiles([]string{"zzzzz-4zz18-000000000000000"}, 1), check.DeepEquals, []string{
		"zzzzz-4zz18-000000000000000/" + resultsFilename,
		"zzzzz-4zz18-000000000000000/" + qvalueFilename,
	})
	c.Check(batchOutputFiles([]string{"zzzzz-4zz18-000000000000001"}, 2), check.DeepEquals, []string{
		"zzzzz-4zz18-000000000000001/" + resultsFilename,
	})
	c.Check(batchOutputFiles([]string{"a", "b"}, 2), check.DeepEquals, []string{
		"a/" + resultsFilename,
		"b/" + resultsFilename,
	})
}
