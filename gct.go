// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// exprMatrix holds log2(TPM+1) expression values, one row per gene.
type exprMatrix struct {
	genes        []string
	descriptions []string
	samples      []string
	values       [][]float64 // values[gene][sample]
}

func (m *exprMatrix) sampleIndex() map[string]int {
	idx := make(map[string]int, len(m.samples))
	for i, s := range m.samples {
		idx[s] = i
	}
	return idx
}

// geneIndex returns the row for the given gene id, or -1.
func (m *exprMatrix) geneIndex(gene string) int {
	for i, g := range m.genes {
		if g == gene {
			return i
		}
	}
	return -1
}

// normalizeSampleID undoes the "." substitution some tools apply to
// column names ("GTEX.1117F.0005" -> "GTEX-1117F-0005").
func normalizeSampleID(id string) string {
	return strings.Replace(id, ".", "-", -1)
}

// Read a GCT (or plain tab-separated) expression table. The first
// two columns are gene id and description, the rest are samples.
// TPM values are log2(x+1)-transformed as they are read. Empty and
// "NA" cells become NaN. If maxGenes > 0, stop after that many rows.
func readGCT(r io.Reader, maxGenes int) (*exprMatrix, error) {
	rdr := bufio.NewReaderSize(r, 1<<20)
	m := &exprMatrix{}
	lineNum := 0
	sawVersion := false
	sawDims := false
	for {
		line, err := rdr.ReadString('\n')
		if err == io.EOF && line == "" {
			break
		} else if err != nil && err != io.EOF {
			return nil, err
		}
		lineNum++
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if m.samples == nil {
			// preamble and header row
			if !sawVersion && strings.HasPrefix(line, "#1.") {
				sawVersion = true
				continue
			}
			if sawVersion && !sawDims {
				sawDims = true
				if dims := strings.Fields(line); len(dims) != 2 {
					return nil, fmt.Errorf("line %d: expected GCT dimensions line, got %q", lineNum, line)
				}
				continue
			}
			header := strings.Split(line, "\t")
			if len(header) < 3 {
				return nil, fmt.Errorf("line %d: header has %d fields, need gene id, description, and at least one sample", lineNum, len(header))
			}
			m.samples = make([]string, len(header)-2)
			for i, s := range header[2:] {
				m.samples[i] = normalizeSampleID(s)
			}
			continue
		}
		if maxGenes > 0 && len(m.genes) >= maxGenes {
			break
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(m.samples)+2 {
			return nil, fmt.Errorf("line %d: %d fields, expected %d", lineNum, len(fields), len(m.samples)+2)
		}
		row := make([]float64, len(m.samples))
		for i, s := range fields[2:] {
			if s == "" || s == "NA" || s == "NaN" {
				row[i] = math.NaN()
				continue
			}
			tpm, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: gene %s sample %s: %w", lineNum, fields[0], m.samples[i], err)
			}
			if tpm < 0 {
				return nil, fmt.Errorf("line %d: gene %s sample %s: negative TPM %v", lineNum, fields[0], m.samples[i], tpm)
			}
			row[i] = math.Log2(tpm + 1)
		}
		m.genes = append(m.genes, fields[0])
		m.descriptions = append(m.descriptions, fields[1])
		m.values = append(m.values, row)
	}
	if m.samples == nil {
		return nil, errors.New("no header row found in expression input")
	}
	return m, nil
}
