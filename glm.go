// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:    glm.NewFamily(glm.GaussianFamily),
	FitMethod: "IRLS",
	Log:       log.New(io.Discard, "", 0),
}

func normalize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

// Gaussian GLM profile log likelihood using the given subset of
// design columns, i.e., evaluated at the maximum likelihood scale
// RSS/n rather than the fitted dispersion. Returns NaN if the fit
// fails.
func glmLogLike(outcome []statmodel.Dtype, columns [][]statmodel.Dtype, names []string) (ll float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			ll = math.NaN()
		}
	}()
	data := append([][]statmodel.Dtype{outcome}, columns...)
	dataset := statmodel.NewDataset(data, append([]string{"outcome"}, names...))
	model, err := glm.NewGLM(dataset, "outcome", names, glmConfig)
	if err != nil {
		return math.NaN()
	}
	params := model.Fit().Params()
	rss := 0.0
	for i, y := range outcome {
		fitted := 0.0
		for j, col := range columns {
			fitted += params[j] * col[i]
		}
		rss += (y - fitted) * (y - fitted)
	}
	return profileLogLike(rss, len(outcome))
}

func profileLogLike(rss float64, n int) float64 {
	return -float64(n) / 2 * (math.Log(2*math.Pi*rss/float64(n)) + 1)
}

// lrtPvalues returns likelihood-ratio p-values for each term of the
// design (other than the intercept): the full model is compared with
// the model that omits that one column. Coefficients absent from the
// design, and all coefficients of a constant outcome, are absent from
// the returned map.
func lrtPvalues(x *mat.Dense, y *mat.VecDense, names []string) map[string]float64 {
	if x == nil {
		return nil
	}
	n, p := x.Dims()
	if n <= p {
		return nil
	}
	outcome := make([]statmodel.Dtype, n)
	for i := range outcome {
		outcome[i] = y.AtVec(i)
	}
	if stat.Variance(outcome, nil) == 0 {
		return nil
	}
	normalize(outcome)
	columns := make([][]statmodel.Dtype, p)
	for j := range columns {
		columns[j] = mat.Col(nil, j, x)
	}
	full := glmLogLike(outcome, columns, names)

	dist := distuv.ChiSquared{K: 1}
	pvalues := make(map[string]float64, p-1)
	for drop := 1; drop < p; drop++ {
		var rcols [][]statmodel.Dtype
		var rnames []string
		for j := range columns {
			if j != drop {
				rcols = append(rcols, columns[j])
				rnames = append(rnames, names[j])
			}
		}
		reduced := glmLogLike(outcome, rcols, rnames)
		// Rounding can make a negligible term's statistic
		// slightly negative.
		lr := math.Max(0, -2*(reduced-full))
		pvalues[names[drop]] = dist.Survival(lr)
	}
	return pvalues
}
