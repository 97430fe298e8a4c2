// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"math"
	"sort"
)

// benjaminiHochberg returns FDR-adjusted q-values for p. NaN entries
// are skipped (they do not count toward the number of tests) and left
// as NaN in the output.
func benjaminiHochberg(p []float64) []float64 {
	q := make([]float64, len(p))
	idx := make([]int, 0, len(p))
	for i, v := range p {
		q[i] = math.NaN()
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	m := len(idx)
	if m == 0 {
		return q
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	qmin := 1.0
	for rank := m; rank > 0; rank-- {
		i := idx[rank-1]
		adj := p[i] * float64(m) / float64(rank)
		if adj < qmin {
			qmin = adj
		}
		q[i] = qmin
	}
	return q
}

// applyFDR fills in the q-value columns of results, correcting each
// p-value column independently.
func applyFDR(results []geneResult) {
	for _, eff := range effects {
		p := make([]float64, len(results))
		for i := range results {
			p[i] = *eff.p(&results[i])
		}
		q := benjaminiHochberg(p)
		for i := range results {
			*eff.q(&results[i]) = q[i]
		}
	}
}

// countSignificant returns, for each effect, the number of genes with
// q-value below threshold.
func countSignificant(results []geneResult, threshold float64) map[string]int {
	counts := make(map[string]int, len(effects))
	for _, eff := range effects {
		n := 0
		for i := range results {
			if q := *eff.q(&results[i]); q < threshold {
				n++
			}
		}
		counts[eff.name] = n
	}
	return counts
}
