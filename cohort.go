// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"math"
	"strings"

	log "github.com/sirupsen/logrus"
)

type cohortSample struct {
	sampleID  string
	subjectID string
	sex       string  // "" if the subject has no phenotype row
	age       float64 // NaN if unknown
	column    int     // index in exprMatrix.samples
}

// cohort is the expression matrix restricted to the samples of one
// tissue, joined with donor demographics.
type cohort struct {
	matrix  *exprMatrix
	samples []cohortSample
}

// subjectID derives the donor ID from a GTEx sample ID by keeping the
// first two dash-separated fields: GTEX-1117F-0005-SM-HL9SH ->
// GTEX-1117F.
func subjectID(sampleID string) string {
	split := strings.SplitN(sampleID, "-", 3)
	if len(split) < 2 {
		return sampleID
	}
	return split[0] + "-" + split[1]
}

// buildCohort keeps the tissue samples (in metadata order) that also
// appear as expression matrix columns, and left-joins each with its
// subject phenotype.
func buildCohort(m *exprMatrix, attrs []sampleAttr, subjects map[string]subjectPhenotype) *cohort {
	colIdx := m.sampleIndex()
	c := &cohort{matrix: m}
	seen := make(map[string]bool, len(attrs))
	missing := 0
	for _, attr := range attrs {
		col, ok := colIdx[attr.id]
		if !ok {
			continue
		}
		if seen[attr.id] {
			log.Warnf("sample %q listed more than once in sample attributes, using first", attr.id)
			continue
		}
		seen[attr.id] = true
		cs := cohortSample{
			sampleID:  attr.id,
			subjectID: subjectID(attr.id),
			age:       math.NaN(),
			column:    col,
		}
		if pheno, ok := subjects[cs.subjectID]; ok {
			cs.sex = pheno.sex
			cs.age = pheno.age
		} else {
			missing++
		}
		c.samples = append(c.samples, cs)
	}
	log.Infof("cohort: %d tissue samples in metadata, %d matched expression columns, %d without subject phenotype", len(attrs), len(c.samples), missing)
	return c
}

// expression returns the given gene's values in cohort sample order,
// reusing dst if it has enough capacity.
func (c *cohort) expression(gene int, dst []float64) []float64 {
	dst = dst[:0]
	row := c.matrix.values[gene]
	for _, cs := range c.samples {
		dst = append(dst, row[cs.column])
	}
	return dst
}

func (c *cohort) ages() []float64 {
	ages := make([]float64, len(c.samples))
	for i, cs := range c.samples {
		ages[i] = cs.age
	}
	return ages
}

func (c *cohort) sexes() []string {
	sexes := make([]string, len(c.samples))
	for i, cs := range c.samples {
		sexes[i] = cs.sex
	}
	return sexes
}
