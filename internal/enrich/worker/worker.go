// Package worker fans a batch of items out to a bounded number of goroutines.
//
// The orchestrator uses it to query one run's collection sources side by side;
// the queue consumer uses it to process a claimed batch of enrichment jobs.
// Transient failures are retried with capped exponential backoff and a shared
// token bucket can pace call starts across the whole batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
)

// FailurePolicy decides what one failed item does to the rest of the batch.
type FailurePolicy int

const (
	// FailurePolicyPartialOutput records the error on the item and keeps going.
	FailurePolicyPartialOutput FailurePolicy = iota
	// FailurePolicyFailFast cancels the batch on the first item error.
	FailurePolicyFailFast
)

type Options struct {
	// Workers bounds concurrent processor calls. Default: 10.
	Workers    int
	MaxRetries int
	// RequestTimeout bounds each processor call. Zero means 30s; negative disables
	// the per-call deadline.
	RequestTimeout time.Duration

	// RateLimitRPS paces call starts across the batch. <=0 disables pacing.
	RateLimitRPS float64

	FailurePolicy FailurePolicy

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// BackoffJitterFrac spreads each backoff by +/- this fraction.
	BackoffJitterFrac float64
}

// Result is the outcome for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

// PanicError is the item error when its processor panicked. Sibling items are
// unaffected.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker: processor panicked: %v", e.Value)
}

func (o Options) normalized() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	o.MaxRetries = max(o.MaxRetries, 0)
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.BackoffJitterFrac <= 0 {
		o.BackoffJitterFrac = 0.2
	}
	return o
}

// ProcessAll runs processor over items and returns results in input order.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	opts Options,
) ([]Result[In, Out], error) {
	return ProcessAllWithCallback(ctx, items, processor, nil, opts)
}

// ProcessAllWithCallback is ProcessAll that also hands each result to onResult
// as soon as its item finishes. onResult runs on the caller's goroutine, one
// result at a time; an error from it cancels the batch.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	onResult func(Result[In, Out]) error,
	opts Options,
) ([]Result[In, Out], error) {
	opts = opts.normalized()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	b := &batch[In, Out]{opts: opts, process: processor}
	if opts.RateLimitRPS > 0 {
		b.pace = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	results := make([]Result[In, Out], len(items))
	finished := make(chan int)
	slots := make(chan struct{}, opts.Workers)

	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(finished)
		}()
		for i := range items {
			select {
			case slots <- struct{}{}:
			case <-runCtx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer func() {
					<-slots
					wg.Done()
				}()
				results[i] = b.item(runCtx, items[i])
				if results[i].Err != nil && opts.FailurePolicy == FailurePolicyFailFast {
					cancel(results[i].Err)
				}
				finished <- i
			}()
		}
	}()

	for i := range finished {
		if onResult == nil {
			continue
		}
		if err := onResult(results[i]); err != nil {
			cancel(err)
		}
	}

	if runCtx.Err() != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Cause(runCtx)
	}
	return results, nil
}

type batch[In any, Out any] struct {
	opts    Options
	process func(context.Context, In) (Out, error)
	pace    *rate.Limiter
}

// item runs the processor for one input until it succeeds, fails permanently
// or exhausts its retries.
func (b *batch[In, Out]) item(ctx context.Context, in In) Result[In, Out] {
	res := Result[In, Out]{Input: in}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		if b.pace != nil {
			if err := b.pace.Wait(ctx); err != nil {
				res.Err = err
				return res
			}
		}

		res.Output, res.Err = b.attempt(ctx, in)
		if res.Err == nil {
			return res
		}
		if ctx.Err() != nil && errors.Is(res.Err, context.Canceled) {
			res.Err = ctx.Err()
			return res
		}
		if !enrich.IsTransient(res.Err) || attempt >= retryBudget(b.opts.MaxRetries, res.Err) {
			return res
		}

		t := time.NewTimer(b.delay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			res.Err = ctx.Err()
			return res
		}
	}
}

// attempt is one processor call under the per-call deadline. A panic becomes a
// *PanicError.
func (b *batch[In, Out]) attempt(ctx context.Context, in In) (out Out, err error) {
	if b.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.RequestTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return b.process(ctx, in)
}

// delay doubles from BackoffInitial per attempt up to BackoffMax, then applies
// jitter.
func (b *batch[In, Out]) delay(attempt int) time.Duration {
	d := b.opts.BackoffMax
	if attempt < 32 {
		if next := b.opts.BackoffInitial << attempt; next > 0 && next < d {
			d = next
		}
	}
	j := b.opts.BackoffJitterFrac
	return time.Duration(float64(d) * (1 + j*(2*rand.Float64()-1)))
}

// retryBudget is the number of retries err allows: the batch setting, lowered
// by errors that carry their own cap such as enrich.LimitedTransientError.
func retryBudget(batch int, err error) int {
	var capped interface{ MaxExtraRetries() int }
	if errors.As(err, &capped) {
		return min(batch, max(capped.MaxExtraRetries(), 0))
	}
	return batch
}
