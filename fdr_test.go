// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"math"

	"gopkg.in/check.v1"
)

type fdrSuite struct{}

var _ = check.Suite(&fdrSuite{})

func checkQvalues(c *check.C, obtained, expected []float64) {
	c.Assert(obtained, check.HasLen, len(expected))
	for i := range expected {
		if math.IsNaN(expected[i]) {
			c.Check(math.IsNaN(obtained[i]), check.Equals, true, check.Commentf("index %d: %v", i, obtained[i]))
		} else {
			c.Check(math.Abs(obtained[i]-expected[i]) < 1e-12, check.Equals, true, check.Commentf("index %d: obtained %v, expected %v", i, obtained[i], expected[i]))
		}
	}
}

func (s *fdrSuite) TestBenjaminiHochberg(c *check.C) {
	nan := math.NaN()
	checkQvalues(c, benjaminiHochberg([]float64{0.01, 0.04, 0.03, 0.005, nan}), []float64{0.02, 0.04, 0.04, 0.02, nan})
	checkQvalues(c, benjaminiHochberg([]float64{0.6, 0.7}), []float64{0.7, 0.7})
	checkQvalues(c, benjaminiHochberg([]float64{0.9, 0.95, 0.99}), []float64{0.99, 0.99, 0.99})
	checkQvalues(c, benjaminiHochberg([]float64{0.5}), []float64{0.5})
	checkQvalues(c, benjaminiHochberg([]float64{nan, nan}), []float64{nan, nan})
	checkQvalues(c, benjaminiHochberg(nil), nil)
}

func (s *fdrSuite) TestMonotone(c *check.C) {
	p := []float64{0.001, 0.2, 0.0001, 0.5, 0.03, 0.03, 0.9, 0.04}
	q := benjaminiHochberg(p)
	for i := range p {
		c.Check(q[i] >= p[i], check.Equals, true)
		c.Check(q[i] <= 1, check.Equals, true)
		for j := range p {
			if p[i] < p[j] {
				c.Check(q[i] <= q[j], check.Equals, true, check.Commentf("p %v %v q %v %v", p[i], p[j], q[i], q[j]))
			}
		}
	}
	c.Check(q[4], check.Equals, q[5])
}

func (s *fdrSuite) TestApplyFDR(c *check.C) {
	nan := math.NaN()
	results := []geneResult{
		newGeneResult("g1", ""),
		newGeneResult("g2", ""),
		newGeneResult("g3", ""),
	}
	for i, p := range [][3]float64{{0.01, 0.5, nan}, {0.02, nan, nan}, {0.9, 0.01, nan}} {
		results[i].PAge, results[i].PSex, results[i].PInteraction = p[0], p[1], p[2]
	}
	applyFDR(results)
	checkQvalues(c, []float64{results[0].QAge, results[1].QAge, results[2].QAge}, []float64{0.03, 0.03, 0.9})
	checkQvalues(c, []float64{results[0].QSex, results[1].QSex, results[2].QSex}, []float64{0.5, nan, 0.02})
	checkQvalues(c, []float64{results[0].QInteraction, results[1].QInteraction, results[2].QInteraction}, []float64{nan, nan, nan})

	c.Check(countSignificant(results, 0.05), check.DeepEquals, map[string]int{"AGE": 2, "SEX": 1, "Interaction": 0})
	c.Check(countSignificant(results, 0.025), check.DeepEquals, map[string]int{"AGE": 0, "SEX": 1, "Interaction": 0})
}
