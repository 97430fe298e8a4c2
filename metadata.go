// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GTEx reports donor age as a decade bucket. Regression uses the
// bucket midpoint.
var ageMidpoint = map[string]float64{
	"20-29": 25,
	"30-39": 35,
	"40-49": 45,
	"50-59": 55,
	"60-69": 65,
	"70-79": 75,
}

type sampleAttr struct {
	id     string
	tissue string
}

type subjectPhenotype struct {
	id  string
	sex string  // category level, "" if unknown
	age float64 // bucket midpoint, NaN if unknown
}

// scanTSV calls fn once per data row of a tab-separated table whose
// first non-empty line is a header. get(name) returns the named
// column of the current row ("" if the row is short). Every column in
// required must be present in the header.
func scanTSV(r io.Reader, required []string, fn func(lineNum int, get func(string) string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<16), 1<<26)
	var col map[string]int
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		split := strings.Split(line, "\t")
		if col == nil {
			col = make(map[string]int, len(split))
			for i, name := range split {
				col[name] = i
			}
			for _, name := range required {
				if _, ok := col[name]; !ok {
					return fmt.Errorf("no column named %q in header row %q", name, line)
				}
			}
			continue
		}
		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(split) {
				return ""
			}
			return split[i]
		}
		if err := fn(lineNum, get); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if col == nil {
		return fmt.Errorf("no header row found")
	}
	return nil
}

// Read the sample attributes table and return the samples taken from
// the given tissue (SMTSD column), in file order.
func readSampleAttributes(r io.Reader, tissue string) ([]sampleAttr, error) {
	var samples []sampleAttr
	err := scanTSV(r, []string{"SAMPID", "SMTSD"}, func(lineNum int, get func(string) string) error {
		if get("SMTSD") != tissue {
			return nil
		}
		samples = append(samples, sampleAttr{id: get("SAMPID"), tissue: tissue})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// Read the subject phenotypes table (SUBJID, SEX, AGE) into a map
// keyed by subject ID.
func readSubjectPhenotypes(r io.Reader) (map[string]subjectPhenotype, error) {
	subjects := map[string]subjectPhenotype{}
	unknownAge := map[string]int{}
	err := scanTSV(r, []string{"SUBJID", "SEX", "AGE"}, func(lineNum int, get func(string) string) error {
		id := get("SUBJID")
		if _, dup := subjects[id]; dup {
			return fmt.Errorf("duplicate subject ID %q", id)
		}
		age, ok := ageMidpoint[get("AGE")]
		if !ok {
			unknownAge[get("AGE")]++
			age = math.NaN()
		}
		subjects[id] = subjectPhenotype{id: id, sex: get("SEX"), age: age}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for bucket, n := range unknownAge {
		log.Warnf("%d subjects have unrecognized age range %q, treating age as missing", n, bucket)
	}
	return subjects, nil
}
