// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ageassoc

import (
	"context"
	"flag"
	"fmt"
	"sync"
)

// batchArgs splits the gene list into contiguous shards so one
// analysis can be spread across several containers.
type batchArgs struct {
	batch   int
	batches int
}

func (b *batchArgs) Flags(flags *flag.FlagSet) {
	flags.IntVar(&b.batches, "batches", 1, "number of gene batches")
	flags.IntVar(&b.batch, "batch", -1, "only do `N`th batch (-1 = all)")
}

func (b *batchArgs) Args(batch int) []string {
	return []string{
		fmt.Sprintf("-batches=%d", b.batches),
		fmt.Sprintf("-batch=%d", batch),
	}
}

// Check rejects a -batch that does not name one of the -batches.
func (b *batchArgs) Check() error {
	if b.batches < 1 {
		return fmt.Errorf("invalid -batches=%d (must be at least 1)", b.batches)
	}
	if b.batch >= b.batches {
		return fmt.Errorf("invalid -batch=%d (must be less than -batches=%d)", b.batch, b.batches)
	}
	return nil
}

// RunBatches calls runFunc once per batch, and returns a slice of
// return values and the first returned error, if any.
func (b *batchArgs) RunBatches(ctx context.Context, runFunc func(context.Context, int) (string, error)) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	outputs := make([]string, b.batches)
	var wg WaitGroup
	for batch := 0; batch < b.batches; batch++ {
		if b.batch >= 0 && b.batch != batch {
			continue
		}
		batch := batch
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := runFunc(ctx, batch)
			outputs[batch] = out
			if err != nil {
				wg.Error(err)
				cancel()
			}
		}()
	}
	err := wg.Wait()
	if b.batch >= 0 {
		outputs = outputs[b.batch : b.batch+1]
	}
	return outputs, err
}

// Range returns the half-open interval of gene rows [start, end)
// belonging to the selected batch out of n genes.
func (b *batchArgs) Range(n int) (start, end int) {
	if b.batches <= 1 || b.batch < 0 {
		return 0, n
	}
	batchsize := (n + b.batches - 1) / b.batches
	start = batchsize * b.batch
	end = start + batchsize
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	return start, end
}

type WaitGroup struct {
	sync.WaitGroup
	err     error
	errOnce sync.Once
}

func (wg *WaitGroup) Error(err error) {
	if err != nil {
		wg.errOnce.Do(func() { wg.err = err })
	}
}

func (wg *WaitGroup) Wait() error {
	wg.WaitGroup.Wait()
	return wg.err
}
