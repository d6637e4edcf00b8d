package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/intake/internal/domain"
)

// CycleReport summarizes one engine cycle.
type CycleReport struct {
	Fetched       int
	Truncated     int
	Succeeded     int
	Failed        int
	FetchFailures int
}

// Engine runs fetch-then-process cycles over every registered handler.
type Engine struct {
	registry          *Registry
	stores            domain.StoreProvider
	log               logrus.FieldLogger
	abortOnFetchError bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAbortOnFetchError makes any handler fetch failure abort the whole
// cycle before processing starts. By default fetch failures only skip the
// failing handler.
func WithAbortOnFetchError(abort bool) Option {
	return func(e *Engine) { e.abortOnFetchError = abort }
}

// NewEngine creates an engine over registry. Every fetch and every processed
// item gets its own session from stores.
func NewEngine(registry *Registry, stores domain.StoreProvider, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{registry: registry, stores: stores, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type queuedItem struct {
	reg  Registration
	item domain.WorkItem
}

type cycleCounters struct {
	fetched, truncated, succeeded, failed, fetchFailures atomic.Int64
}

func (c *cycleCounters) report() CycleReport {
	return CycleReport{
		Fetched:       int(c.fetched.Load()),
		Truncated:     int(c.truncated.Load()),
		Succeeded:     int(c.succeeded.Load()),
		Failed:        int(c.failed.Load()),
		FetchFailures: int(c.fetchFailures.Load()),
	}
}

// RunCycle fetches pending items from every handler, then processes all of
// them concurrently. It returns once every fetched item has been attempted.
// An error is only returned when fetch failures abort the cycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	regs := e.registry.Registrations()
	if len(regs) == 0 {
		e.log.Debug("no handlers registered, skipping cycle")
		return CycleReport{}, nil
	}

	var c cycleCounters
	queue := make(chan queuedItem, e.registry.Capacity())

	if err := e.fetchAll(ctx, regs, queue, &c); err != nil {
		return c.report(), err
	}
	e.processAll(ctx, queue, &c)

	report := c.report()
	if report.Fetched > 0 || report.FetchFailures > 0 {
		e.log.WithFields(logrus.Fields{
			"fetched":        report.Fetched,
			"succeeded":      report.Succeeded,
			"failed":         report.Failed,
			"fetch_failures": report.FetchFailures,
		}).Info("cycle complete")
	}
	return report, nil
}

// fetchAll is the only writer to queue and closes it when every fetch is done.
func (e *Engine) fetchAll(ctx context.Context, regs []Registration, queue chan<- queuedItem, c *cycleCounters) error {
	defer close(queue)

	g, gctx := errgroup.WithContext(ctx)
	for _, reg := range regs {
		g.Go(func() error {
			err := safely(func() error { return e.fetch(gctx, reg, queue, c) })
			if err == nil {
				return nil
			}
			c.fetchFailures.Add(1)
			log := e.log.WithFields(logrus.Fields{"handler": reg.Name, "handler_type": reg.Type.Key}).WithError(err)
			if e.abortOnFetchError {
				log.Error("fetch failed, aborting cycle")
				return fmt.Errorf("fetch %s: %w", reg.Name, err)
			}
			log.Error("fetch failed")
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) fetch(ctx context.Context, reg Registration, queue chan<- queuedItem, c *cycleCounters) error {
	store, err := e.stores.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire store: %w", err)
	}
	defer store.Close()

	items, err := reg.Type.New(store).Fetch(ctx, reg.MaxItemsPerCycle)
	if err != nil {
		return err
	}

	if len(items) > reg.MaxItemsPerCycle {
		e.log.WithFields(logrus.Fields{"handler": reg.Name, "handler_type": reg.Type.Key}).
			Warnf("handler returned %d items, max is %d; truncating", len(items), reg.MaxItemsPerCycle)
		c.truncated.Add(int64(len(items) - reg.MaxItemsPerCycle))
		items = items[:reg.MaxItemsPerCycle]
	}

	for _, item := range items {
		select {
		case queue <- queuedItem{reg: reg, item: item}:
			c.fetched.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) processAll(ctx context.Context, queue <-chan queuedItem, c *cycleCounters) {
	var wg sync.WaitGroup
	for q := range queue {
		wg.Go(func() { e.process(ctx, q, c) })
	}
	wg.Wait()
}

func (e *Engine) process(ctx context.Context, q queuedItem, c *cycleCounters) {
	log := e.log.WithFields(logrus.Fields{
		"handler":      q.reg.Name,
		"handler_type": q.reg.Type.Key,
		"item":         q.item.ItemID(),
	})

	err := safely(func() error {
		store, err := e.stores.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire store: %w", err)
		}
		defer store.Close()
		return q.reg.Type.New(store).Process(ctx, q.item)
	})
	if err != nil {
		c.failed.Add(1)
		log.WithError(err).Error("process failed")
		return
	}
	c.succeeded.Add(1)
	log.Debug("processed")
}

// safely runs fn, turning a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
