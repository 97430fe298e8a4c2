// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// cohortFlags are the input options shared by every subcommand that
// loads the expression cohort.
type cohortFlags struct {
	ExpressionFilename string
	SamplesFilename    string
	SubjectsFilename   string
	Tissue             string
	MaxGenes           int
}

func (cf *cohortFlags) Flags(flags *flag.FlagSet) {
	flags.StringVar(&cf.ExpressionFilename, "expression", "tpm.gct", "expression matrix `file` (GCT or tsv, TPM values, may be gzipped)")
	flags.StringVar(&cf.SamplesFilename, "sample-attributes", "metadata.txt", "sample attributes tsv `file` with SAMPID and SMTSD columns")
	flags.StringVar(&cf.SubjectsFilename, "subject-phenotypes", "metadata2.txt", "subject phenotypes tsv `file` with SUBJID, SEX, and AGE columns")
	flags.StringVar(&cf.Tissue, "tissue", "Whole Blood", "use samples whose SMTSD is `tissue`")
	flags.IntVar(&cf.MaxGenes, "max-genes", 0, "read only the first `N` genes (0 = all)")
}

func (cf *cohortFlags) Args() []string {
	return []string{
		"-expression=" + cf.ExpressionFilename,
		"-sample-attributes=" + cf.SamplesFilename,
		"-subject-phenotypes=" + cf.SubjectsFilename,
		"-tissue=" + cf.Tissue,
		fmt.Sprintf("-max-genes=%d", cf.MaxGenes),
	}
}

func (cf *cohortFlags) TranslatePaths(runner *arvadosContainerRunner) error {
	return runner.TranslatePaths(&cf.ExpressionFilename, &cf.SamplesFilename, &cf.SubjectsFilename)
}

// Load reads the three input tables and joins them.
func (cf *cohortFlags) Load() (*cohort, error) {
	log.Infof("reading sample attributes from %s", cf.SamplesFilename)
	f, err := zopen(cf.SamplesFilename)
	if err != nil {
		return nil, err
	}
	attrs, err := readSampleAttributes(f, cf.Tissue)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cf.SamplesFilename, err)
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("%s: no samples with tissue %q", cf.SamplesFilename, cf.Tissue)
	}

	log.Infof("reading subject phenotypes from %s", cf.SubjectsFilename)
	f, err = zopen(cf.SubjectsFilename)
	if err != nil {
		return nil, err
	}
	subjects, err := readSubjectPhenotypes(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cf.SubjectsFilename, err)
	}

	log.Infof("reading expression matrix from %s", cf.ExpressionFilename)
	f, err = zopen(cf.ExpressionFilename)
	if err != nil {
		return nil, err
	}
	matrix, err := readGCT(f, cf.MaxGenes)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cf.ExpressionFilename, err)
	}
	log.Infof("expression matrix: %d genes, %d samples", len(matrix.genes), len(matrix.samples))

	c := buildCohort(matrix, attrs, subjects)
	if len(c.samples) == 0 {
		return nil, fmt.Errorf("none of the %d %q samples appear in %s", len(attrs), cf.Tissue, cf.ExpressionFilename)
	}
	return c, nil
}

// containerFlags are the options that control running a subcommand
// in an arvados container instead of on the local host.
type containerFlags struct {
	Local       bool
	ProjectUUID string
	Priority    int
	RAM         int64
	VCPUs       int
	Preemptible bool
}

func (cf *containerFlags) Flags(flags *flag.FlagSet, ram int64, vcpus int) {
	flags.BoolVar(&cf.Local, "local", false, "run on local host (default: run in an arvados container)")
	flags.StringVar(&cf.ProjectUUID, "project", "", "project `UUID` for output data")
	flags.IntVar(&cf.Priority, "priority", 500, "container request priority")
	flags.Int64Var(&cf.RAM, "arvados-ram", ram, "amount of memory to request for arvados container (`bytes`)")
	flags.IntVar(&cf.VCPUs, "arvados-vcpus", vcpus, "number of VCPUs to request for arvados container")
	flags.BoolVar(&cf.Preemptible, "preemptible", true, "request preemptible instance")
}

func (cf *containerFlags) Runner(name string) *arvadosContainerRunner {
	return &arvadosContainerRunner{
		Name:        name,
		Client:      arvadosClientFromEnv,
		ProjectUUID: cf.ProjectUUID,
		RAM:         cf.RAM,
		VCPUs:       cf.VCPUs,
		Priority:    cf.Priority,
		Preemptible: cf.Preemptible,
	}
}
