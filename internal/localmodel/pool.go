// Package localmodel runs short completions on a fixed pool of warm local
// model workers fronted by a bounded queue.
package localmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCapacity is returned immediately when the request queue is full.
var ErrCapacity = errors.New("local model queue full")

// ErrModel is returned when the model itself fails mid-request.
var ErrModel = errors.New("local model failure")

// ErrStopped is returned for submissions after the pool shut down.
var ErrStopped = errors.New("local model pool stopped")

// Request is one completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Runner is a single pre-loaded model instance. Generate must honor ctx
// cancellation at token boundaries; temperature-zero runs must be
// deterministic for a fixed prompt and model version.
type Runner interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// RunnerFactory builds a fresh Runner, used at startup and after a worker
// panic.
type RunnerFactory func() (Runner, error)

// Config sizes the pool.
type Config struct {
	Workers      int           // N warm workers
	QueueSize    int           // bounded FIFO capacity Q
	RestartDelay time.Duration // pause before restarting a panicked worker
	GenTimeout   time.Duration // per-request cap on Generate; 0 disables
}

type job struct {
	ctx       context.Context
	req       Request
	done      chan result
	abandoned atomic.Bool // set when the submitter gave up while queued
}

type result struct {
	text string
	err  error
}

// Pool is the fixed worker pool. The pool is the only component that touches
// model state.
type Pool struct {
	cfg     Config
	factory RunnerFactory
	queue   chan *job

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	queued  atomic.Int64
	healthy atomic.Int64
}

// NewPool creates a pool; call Start before submitting.
func NewPool(cfg Config, factory RunnerFactory) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.RestartDelay > 10*time.Second {
		cfg.RestartDelay = 10 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		queue:   make(chan *job, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
}

// Start launches the workers. Each worker holds one model instance for its
// lifetime and restarts itself after a panic.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pool already started")
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
	log.Info().Int("workers", p.cfg.Workers).Int("queue", p.cfg.QueueSize).
		Msg("Local model pool started")
	return nil
}

// Stop shuts the pool down; in-flight generations finish, queued requests
// fail with ErrStopped.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	close(p.stop)
	p.wg.Wait()

	// Drain anything left in the queue so submitters unblock.
	for {
		select {
		case j := <-p.queue:
			j.done <- result{err: ErrStopped}
		default:
			p.started = false
			return
		}
	}
}

// Complete submits a request and waits for its completion. A full queue
// fails immediately with ErrCapacity; a ctx that expires while the request
// is queued drops it before it reaches a worker.
func (p *Pool) Complete(ctx context.Context, req Request) (string, error) {
	j := &job{ctx: ctx, req: req, done: make(chan result, 1)}

	select {
	case p.queue <- j:
		p.queued.Add(1)
	default:
		return "", ErrCapacity
	}

	select {
	case res := <-j.done:
		return res.text, res.err
	case <-ctx.Done():
		// A worker may race us to the job; abandoned tells it not to run.
		j.abandoned.Store(true)
		return "", ctx.Err()
	case <-p.stop:
		j.abandoned.Store(true)
		return "", ErrStopped
	}
}

// QueueDepth reports the current number of queued requests.
func (p *Pool) QueueDepth() int {
	return int(p.queued.Load())
}

// HealthyWorkers reports workers currently holding a live model instance.
func (p *Pool) HealthyWorkers() int {
	return int(p.healthy.Load())
}

// Workers returns the configured pool size.
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		runner, err := p.factory()
		if err != nil {
			log.Error().Err(err).Int("worker", id).Msg("Failed to load local model, retrying")
			select {
			case <-time.After(p.cfg.RestartDelay):
				continue
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		p.healthy.Add(1)
		crashed := p.serve(ctx, id, runner)
		p.healthy.Add(-1)

		if !crashed {
			return
		}
		// Degraded to N-1 until the replacement instance is up.
		log.Warn().Int("worker", id).Dur("restart_delay", p.cfg.RestartDelay).
			Msg("Local model worker restarting after panic")
		select {
		case <-time.After(p.cfg.RestartDelay):
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// serve pulls jobs until shutdown. Returns true when the runner panicked and
// the worker should restart with a fresh instance.
func (p *Pool) serve(ctx context.Context, id int, runner Runner) (crashed bool) {
	for {
		select {
		case j := <-p.queue:
			p.queued.Add(-1)
			if j.abandoned.Load() || j.ctx.Err() != nil {
				err := j.ctx.Err()
				if err == nil {
					err = ErrStopped
				}
				j.done <- result{err: err}
				continue
			}
			if p.runOne(id, runner, j) {
				return true
			}
		case <-p.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// runOne executes a single job, converting a runner panic into ErrModel.
// Returns true if the runner panicked.
func (p *Pool) runOne(id int, runner Runner, j *job) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			log.Error().Int("worker", id).Interface("panic", r).
				Msg("Local model worker panicked")
			j.done <- result{err: fmt.Errorf("%w: %v", ErrModel, r)}
		}
	}()

	gctx := j.ctx
	if p.cfg.GenTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(gctx, p.cfg.GenTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := runner.Generate(gctx, j.req)
	if err != nil {
		if j.ctx.Err() != nil {
			j.done <- result{err: j.ctx.Err()}
			return false
		}
		if gctx.Err() != nil {
			j.done <- result{err: fmt.Errorf("%w: generation exceeded %s", ErrModel, p.cfg.GenTimeout)}
			return false
		}
		j.done <- result{err: fmt.Errorf("%w: %v", ErrModel, err)}
		return false
	}
	log.Debug().Int("worker", id).Dur("elapsed", time.Since(start)).
		Int("prompt_len", len(j.req.Prompt)).Msg("Local completion finished")
	j.done <- result{text: text}
	return false
}
