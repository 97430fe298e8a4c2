// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

type geneResult struct {
	Gene         string
	Description  string
	RSquared     float64
	PAge         float64
	PSex         float64
	PInteraction float64
	QAge         float64
	QSex         float64
	QInteraction float64
}

func newGeneResult(gene, description string) geneResult {
	nan := math.NaN()
	return geneResult{
		Gene:         gene,
		Description:  description,
		RSquared:     nan,
		PAge:         nan,
		PSex:         nan,
		PInteraction: nan,
		QAge:         nan,
		QSex:         nan,
		QInteraction: nan,
	}
}

// effect gives access to the p-value and q-value fields for one
// model term.
type effect struct {
	name string
	p    func(*geneResult) *float64
	q    func(*geneResult) *float64
}

var effects = []effect{
	{"AGE", func(r *geneResult) *float64 { return &r.PAge }, func(r *geneResult) *float64 { return &r.QAge }},
	{"SEX", func(r *geneResult) *float64 { return &r.PSex }, func(r *geneResult) *float64 { return &r.QSex }},
	{"Interaction", func(r *geneResult) *float64 { return &r.PInteraction }, func(r *geneResult) *float64 { return &r.QInteraction }},
}

var (
	resultsHeader = []string{"Gene", "R_squared", "p_AGE", "p_SEX", "p_Interaction", "Description"}
	qvalueHeader  = []string{"q_AGE", "q_SEX", "q_Interaction"}
)

// formatFloat renders NaN as an empty field.
func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" || s == "NA" || s == "NaN" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// writeResults writes one CSV row per gene. If withQ is true, the
// q-value columns are appended.
func writeResults(w io.Writer, results []geneResult, withQ bool) error {
	cw := csv.NewWriter(w)
	header := resultsHeader
	if withQ {
		header = append(append([]string(nil), resultsHeader...), qvalueHeader...)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{r.Gene, formatFloat(r.RSquared), formatFloat(r.PAge), formatFloat(r.PSex), formatFloat(r.PInteraction), r.Description}
		if withQ {
			row = append(row, formatFloat(r.QAge), formatFloat(r.QSex), formatFloat(r.QInteraction))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// readResults reads a table written by writeResults. Columns are
// located by header name; q-value columns are optional.
func readResults(r io.Reader) ([]geneResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty results file")
	} else if err != nil {
		return nil, err
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, name := range resultsHeader {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("no column named %q in header row %q", name, header)
		}
	}
	var results []geneResult
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if len(rec) < len(header) {
			return nil, fmt.Errorf("line %d: %d fields, expected %d", line, len(rec), len(header))
		}
		res := newGeneResult(rec[col["Gene"]], rec[col["Description"]])
		for _, f := range []struct {
			name string
			dst  *float64
		}{
			{"R_squared", &res.RSquared},
			{"p_AGE", &res.PAge},
			{"p_SEX", &res.PSex},
			{"p_Interaction", &res.PInteraction},
			{"q_AGE", &res.QAge},
			{"q_SEX", &res.QSex},
			{"q_Interaction", &res.QInteraction},
		} {
			i, ok := col[f.name]
			if !ok {
				continue
			}
			*f.dst, err = parseFloat(rec[i])
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, f.name, err)
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// pvalueSummary describes the distribution of one p-value column.
type pvalueSummary struct {
	Count                   int
	Mean, Std               float64
	Min, Q25, Q50, Q75, Max float64
}

func summarize(results []geneResult) map[string]pvalueSummary {
	out := make(map[string]pvalueSummary, len(effects))
	for _, eff := range effects {
		var x []float64
		for i := range results {
			if p := *eff.p(&results[i]); !math.IsNaN(p) {
				x = append(x, p)
			}
		}
		s := pvalueSummary{Count: len(x)}
		if len(x) == 0 {
			nan := math.NaN()
			s.Mean, s.Std, s.Min, s.Q25, s.Q50, s.Q75, s.Max = nan, nan, nan, nan, nan, nan, nan
		} else {
			sort.Float64s(x)
			s.Mean, s.Std = stat.MeanStdDev(x, nil)
			s.Min = x[0]
			s.Max = x[len(x)-1]
			s.Q25 = stat.Quantile(0.25, stat.LinInterp, x, nil)
			s.Q50 = stat.Quantile(0.5, stat.LinInterp, x, nil)
			s.Q75 = stat.Quantile(0.75, stat.LinInterp, x, nil)
		}
		out[eff.name] = s
	}
	return out
}
