package exec

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/JasonLovesDoggo/taut/packages/core/result"
)

// ErrReplacementsExhausted aborts a run when crashed workers keep needing
// replacements beyond the budget.
var ErrReplacementsExhausted = errors.New("worker replacement budget exhausted")

const (
	// defaultReplaceBudget bounds worker respawns per run.
	defaultReplaceBudget = 8
	// defaultGrace is how long workers get to drain on shutdown.
	defaultGrace = 2 * time.Second
	// respawnInterval throttles replacement spawning so a crash loop does
	// not fork-bomb the machine.
	respawnInterval = 200 * time.Millisecond
)

// PoolConfig configures the warm worker pool.
type PoolConfig struct {
	Size          int
	Python        string
	Trace         bool
	ReplaceBudget int
	Grace         time.Duration
}

// Pool runs tests on long-lived warm workers with work-stealing dispatch:
// any idle worker takes the next pending request.
type Pool struct {
	cfg PoolConfig

	nextID       atomic.Uint64
	replacements atomic.Int64
	respawnGate  *rate.Limiter

	mu   sync.Mutex
	live map[*worker]struct{}
}

// NewPool builds a pool. Workers are spawned lazily on Run.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Python == "" {
		cfg.Python = DefaultPython
	}
	if cfg.Size <= 0 {
		cfg.Size = runtime.NumCPU()
	}
	if cfg.ReplaceBudget <= 0 {
		cfg.ReplaceBudget = defaultReplaceBudget
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &Pool{
		cfg:         cfg,
		respawnGate: rate.NewLimiter(rate.Every(respawnInterval), 1),
		live:        make(map[*worker]struct{}),
	}
}

func (p *Pool) track(w *worker) {
	p.mu.Lock()
	p.live[w] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) untrack(w *worker) {
	p.mu.Lock()
	delete(p.live, w)
	p.mu.Unlock()
}

func (p *Pool) liveWorkers() []*worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*worker, 0, len(p.live))
	for w := range p.live {
		out = append(out, w)
	}
	return out
}

type task struct {
	idx  int
	spec TestSpec
}

// Run executes the specs and returns responses in spec order. With
// parallel false a single worker serves every request in order, giving the
// strict happens-before chain of the sequential partition.
//
// A worker that dies mid-request yields a synthesized errored result for
// that request; the request is never retried (at-most-once execution). The
// crashed worker is replaced, up to the replacement budget; exhausting the
// budget cancels the run and returns ErrReplacementsExhausted.
func (p *Pool) Run(ctx context.Context, specs []TestSpec, parallel bool, onResult func(*Response)) ([]*Response, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	size := p.cfg.Size
	if !parallel {
		size = 1
	}
	if size > len(specs) {
		size = len(specs)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan task)
	go func() {
		defer close(tasks)
		for idx, spec := range specs {
			select {
			case tasks <- task{idx: idx, spec: spec}:
			case <-ctx.Done():
				return
			}
		}
	}()

	responses := make([]*Response, len(specs))
	var mu sync.Mutex
	deliver := func(idx int, resp *Response) {
		mu.Lock()
		responses[idx] = resp
		if onResult != nil {
			onResult(resp)
		}
		mu.Unlock()
	}

	// On cancellation: stop dispatch (the feeder above exits), close worker
	// stdin so they drain, then kill whatever is still running after the
	// grace period.
	monitorDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, w := range p.liveWorkers() {
				w.closeInput()
			}
			select {
			case <-time.After(p.cfg.Grace):
				for _, w := range p.liveWorkers() {
					w.kill()
				}
			case <-monitorDone:
			}
		case <-monitorDone:
		}
	}()
	defer close(monitorDone)

	var (
		fatalMu  sync.Mutex
		fatalErr error
	)
	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.workerLoop(ctx, tasks, deliver); err != nil {
				fatalMu.Lock()
				if fatalErr == nil {
					fatalErr = err
				}
				fatalMu.Unlock()
				cancel()
			}
		}()
	}
	wg.Wait()

	// Cancellation or an aborted run can leave tasks undelivered;
	// synthesize results so the summary stays total.
	for idx := range responses {
		if responses[idx] == nil {
			responses[idx] = &Response{
				Result: result.ErroredResult(specs[idx].ID, "test was not executed (run aborted)", ""),
			}
		}
	}

	if fatalErr != nil {
		return responses, fatalErr
	}
	return responses, ctx.Err()
}

// workerLoop owns one warm worker, pulling tasks until the queue drains.
// Returns an error only for fatal conditions that must abort the run.
func (p *Pool) workerLoop(ctx context.Context, tasks <-chan task, deliver func(int, *Response)) error {
	w, err := spawnWorker(p.cfg.Python)
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	p.track(w)
	defer func() {
		w.shutdown(p.cfg.Grace)
		p.untrack(w)
	}()

	for {
		var t task
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case t, ok = <-tasks:
			if !ok {
				return nil
			}
		}

		req := &Request{ID: p.nextID.Add(1), Test: t.spec, Trace: p.cfg.Trace}
		resp, err := w.do(req)
		if err == nil {
			if resp.Result == nil {
				resp.Result = result.ErroredResult(t.spec.ID, "worker response missing result", "")
			}
			deliver(t.idx, resp)
			continue
		}

		// The in-flight request is attributed an errored result and never
		// retried; a faulty test must not take down a second worker.
		logrus.WithError(err).WithField("test", t.spec.ID).Debug("worker failed mid-request")
		deliver(t.idx, &Response{
			Result: result.ErroredResult(t.spec.ID, fmt.Sprintf("worker crashed: %v", err), ""),
		})

		if w.alive() {
			// Protocol desync with a live worker; restart it all the same.
			w.shutdown(p.cfg.Grace)
		}
		p.untrack(w)

		replacement, rerr := p.replace(ctx)
		if rerr != nil {
			// A cancelled context is a graceful stop, not a pool failure.
			if ctx.Err() != nil && !errors.Is(rerr, ErrReplacementsExhausted) {
				return nil
			}
			return rerr
		}
		w = replacement
		p.track(w)
	}
}

// replace spawns a new worker, honoring the budget and the respawn rate
// gate.
func (p *Pool) replace(ctx context.Context) (*worker, error) {
	if p.replacements.Add(1) > int64(p.cfg.ReplaceBudget) {
		return nil, ErrReplacementsExhausted
	}
	if err := p.respawnGate.Wait(ctx); err != nil {
		return nil, err
	}

	logrus.WithField("replacements", p.replacements.Load()).Debug("spawning replacement worker")
	w, err := spawnWorker(p.cfg.Python)
	if err != nil {
		return nil, fmt.Errorf("spawn replacement worker: %w", err)
	}
	return w, nil
}
