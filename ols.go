// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	errTooFewSamples  = errors.New("not enough complete cases for the number of model terms")
	errSingularDesign = errors.New("design matrix is singular")
)

const (
	termIntercept = "Intercept"
	termAge       = "AGE"
)

func termSex(level string) string         { return "SEX[T." + level + "]" }
func termInteraction(level string) string { return "AGE:SEX[T." + level + "]" }

// olsFit is the result of one ordinary least squares fit.
type olsFit struct {
	names    []string
	coef     []float64
	stderr   []float64
	pvalues  []float64
	rsquared float64
	nobs     int
	df       int
}

// pvalue returns the p-value for the named term, or NaN if the term
// is not in the model (e.g., its category level was not observed).
func (f *olsFit) pvalue(term string) float64 {
	for i, name := range f.names {
		if name == term {
			return f.pvalues[i]
		}
	}
	return math.NaN()
}

// sortLevels orders category levels numerically if they all parse as
// numbers, otherwise lexically. The first level is the reference.
func sortLevels(levels []string) {
	numeric := true
	for _, l := range levels {
		if _, err := strconv.ParseFloat(l, 64); err != nil {
			numeric = false
			break
		}
	}
	sort.Slice(levels, func(i, j int) bool {
		if numeric {
			a, _ := strconv.ParseFloat(levels[i], 64)
			b, _ := strconv.ParseFloat(levels[j], 64)
			return a < b
		}
		return levels[i] < levels[j]
	})
}

// ageSexDesign builds the design matrix for y ~ AGE + SEX + AGE:SEX
// using only complete cases. SEX is treatment coded against the
// lowest observed level. It returns the design, the outcome
// restricted to complete cases, and the column names.
func ageSexDesign(y, age []float64, sex []string) (*mat.Dense, *mat.VecDense, []string) {
	var rows []int
	levelSeen := map[string]bool{}
	for i := range y {
		if math.IsNaN(y[i]) || math.IsNaN(age[i]) || sex[i] == "" {
			continue
		}
		rows = append(rows, i)
		levelSeen[sex[i]] = true
	}
	levels := make([]string, 0, len(levelSeen))
	for l := range levelSeen {
		levels = append(levels, l)
	}
	sortLevels(levels)
	var contrasts []string
	if len(levels) > 1 {
		contrasts = levels[1:]
	}

	names := []string{termIntercept, termAge}
	for _, l := range contrasts {
		names = append(names, termSex(l))
	}
	for _, l := range contrasts {
		names = append(names, termInteraction(l))
	}

	p := len(names)
	if len(rows) == 0 {
		return nil, nil, names
	}
	x := mat.NewDense(len(rows), p, nil)
	yv := mat.NewVecDense(len(rows), nil)
	for r, i := range rows {
		x.Set(r, 0, 1)
		x.Set(r, 1, age[i])
		for k, l := range contrasts {
			if sex[i] == l {
				x.Set(r, 2+k, 1)
				x.Set(r, 2+len(contrasts)+k, age[i])
			}
		}
		yv.SetVec(r, y[i])
	}
	return x, yv, names
}

// fitOLS fits y = x·β by least squares and computes t-test p-values
// for each coefficient.
func fitOLS(x *mat.Dense, y *mat.VecDense, names []string) (*olsFit, error) {
	if x == nil {
		return nil, errTooFewSamples
	}
	n, p := x.Dims()
	if n <= p {
		return nil, errTooFewSamples
	}

	var qr mat.QR
	qr.Factorize(x)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, y); err != nil {
		return nil, fmt.Errorf("%w: %s", errSingularDesign, err)
	}

	var xtx, xtxInv mat.Dense
	xtx.Mul(x.T(), x)
	if err := xtxInv.Inverse(&xtx); err != nil {
		return nil, fmt.Errorf("%w: %s", errSingularDesign, err)
	}

	var fitted, resid mat.VecDense
	fitted.MulVec(x, &beta)
	resid.SubVec(y, &fitted)
	rss := mat.Dot(&resid, &resid)

	ymean := mat.Sum(y) / float64(n)
	tss := 0.0
	for i := 0; i < n; i++ {
		d := y.AtVec(i) - ymean
		tss += d * d
	}

	df := n - p
	sigma2 := rss / float64(df)
	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	fit := &olsFit{
		names:    names,
		coef:     make([]float64, p),
		stderr:   make([]float64, p),
		pvalues:  make([]float64, p),
		rsquared: math.NaN(),
		nobs:     n,
		df:       df,
	}
	if tss > 0 {
		fit.rsquared = 1 - rss/tss
	}
	for j := 0; j < p; j++ {
		fit.coef[j] = beta.AtVec(j)
		fit.stderr[j] = math.Sqrt(sigma2 * xtxInv.At(j, j))
		t := fit.coef[j] / fit.stderr[j]
		fit.pvalues[j] = 2 * tdist.CDF(-math.Abs(t))
	}
	return fit, nil
}

// fitAgeSex fits expression ~ AGE + SEX + AGE:SEX for one gene.
func fitAgeSex(y, age []float64, sex []string) (*olsFit, error) {
	x, yv, names := ageSexDesign(y, age, sex)
	return fitOLS(x, yv, names)
}
