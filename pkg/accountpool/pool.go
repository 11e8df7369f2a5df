// Package accountpool runs blockchain-mutating jobs on a set of signing
// accounts. Each account has its own goroutine draining a FIFO queue, so at
// most one job per account is active at any instant (no nonce collisions)
// while different accounts make progress concurrently.
package accountpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	x402 "github.com/x402x/facilitator"
)

var (
	// ErrNoAccountsAvailable is returned by Execute on a pool without accounts.
	ErrNoAccountsAvailable = errors.New("no accounts available")
	// ErrPoolClosed is returned by Execute after Close.
	ErrPoolClosed = errors.New("account pool closed")
	// ErrJobPanicked wraps the value recovered from a panicking job.
	ErrJobPanicked = errors.New("job panicked")
	// ErrNotQueued is returned when the caller's context ended before the job
	// could be queued. The job will not run.
	ErrNotQueued = errors.New("job not queued")
)

// DefaultQueueSize is the per-account queue capacity.
const DefaultQueueSize = 256

// Account is a signing identity owned by the pool.
type Account interface {
	Address() string
}

// Strategy selects the account a new job is queued on.
type Strategy int

const (
	// RoundRobin cycles a persistent cursor over the accounts.
	RoundRobin Strategy = iota
	// Random picks an account uniformly at random.
	Random
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses "round_robin" (also "round-robin", "roundrobin") or "random".
// An empty string means RoundRobin.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round_robin", "round-robin", "roundrobin":
		return RoundRobin, nil
	case "random":
		return Random, nil
	default:
		return RoundRobin, fmt.Errorf("unknown account selection strategy %q", s)
	}
}

// Job is one unit of work run with a leased account. The account must not
// be retained after the job returns.
type Job[A Account] func(ctx context.Context, account A) error

// Observer receives pool activity, typically to export metrics.
type Observer interface {
	QueueDepth(network, account string, depth int64)
	JobDone(network, account string, duration time.Duration, err error)
}

type task[A Account] struct {
	ctx  context.Context
	job  Job[A]
	done chan error
}

type worker[A Account] struct {
	account   A
	queue     chan task[A]
	depth     atomic.Int64
	processed atomic.Uint64
}

// Pool is the set of signing accounts of one network.
type Pool[A Account] struct {
	network  string
	workers  []*worker[A]
	strategy Strategy
	cursor   atomic.Uint64
	randIntN func(n int) int

	queueSize int
	logger    *zap.Logger
	observer  Observer

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Pool
type Option func(*options)

type options struct {
	strategy  Strategy
	queueSize int
	logger    *zap.Logger
	observer  Observer
	randIntN  func(n int) int
}

// WithStrategy sets the account selection strategy
func WithStrategy(s Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithQueueSize sets the per-account queue capacity
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithLogger sets the pool logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers an observer for queue depth and job completion
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithRandIntN replaces the random source used by the Random strategy.
func WithRandIntN(fn func(n int) int) Option {
	return func(o *options) {
		if fn != nil {
			o.randIntN = fn
		}
	}
}

// New creates a pool over the given accounts and starts one drain goroutine
// per account. It fails with a ConfigurationError when no accounts are given
// or two accounts share an address.
func New[A Account](network string, accounts []A, opts ...Option) (*Pool[A], error) {
	if len(accounts) == 0 {
		return nil, x402.NewConfigurationError(fmt.Sprintf("no signing accounts configured for network %s", network), nil)
	}

	o := options{
		strategy:  RoundRobin,
		queueSize: DefaultQueueSize,
		logger:    zap.NewNop(),
		randIntN:  rand.IntN,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[A]{
		network:   network,
		strategy:  o.strategy,
		randIntN:  o.randIntN,
		queueSize: o.queueSize,
		logger:    o.logger.With(zap.String("network", network)),
		observer:  o.observer,
	}

	seen := make(map[string]struct{}, len(accounts))
	for _, account := range accounts {
		addr := strings.ToLower(account.Address())
		if _, dup := seen[addr]; dup {
			return nil, x402.NewConfigurationError(fmt.Sprintf("duplicate signing account %s for network %s", account.Address(), network), nil)
		}
		seen[addr] = struct{}{}
		p.workers = append(p.workers, &worker[A]{
			account: account,
			queue:   make(chan task[A], o.queueSize),
		})
	}

	for _, w := range p.workers {
		p.wg.Add(1)
		go p.run(w)
	}

	p.logger.Info("account pool started",
		zap.Int("accounts", len(p.workers)),
		zap.Stringer("strategy", p.strategy),
		zap.Int("queue_size", p.queueSize))

	return p, nil
}

// Network returns the network this pool signs for
func (p *Pool[A]) Network() string {
	return p.network
}

// Len returns the number of accounts
func (p *Pool[A]) Len() int {
	if p == nil {
		return 0
	}
	return len(p.workers)
}

// Addresses returns the addresses of all accounts in pool order
func (p *Pool[A]) Addresses() []string {
	if p == nil {
		return nil
	}
	addrs := make([]string, len(p.workers))
	for i, w := range p.workers {
		addrs[i] = w.account.Address()
	}
	return addrs
}

// Accounts returns the pooled accounts in pool order. Callers may use them
// for reads; writes must go through Execute.
func (p *Pool[A]) Accounts() []A {
	if p == nil {
		return nil
	}
	accounts := make([]A, len(p.workers))
	for i, w := range p.workers {
		accounts[i] = w.account
	}
	return accounts
}

// Execute queues job on the next account and waits for it to finish.
//
// Jobs on one account run in submission order and never overlap. A job's
// error is returned only to its own caller; the account moves on to the next
// queued job regardless. If ctx ends while waiting, Execute returns ctx.Err()
// but an already queued job still runs to completion: the job receives a
// context that carries ctx's values without its cancellation.
func (p *Pool[A]) Execute(ctx context.Context, job Job[A]) error {
	if p == nil || len(p.workers) == 0 {
		return ErrNoAccountsAvailable
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}

	w := p.next()
	t := task[A]{
		ctx:  context.WithoutCancel(ctx),
		job:  job,
		done: make(chan error, 1),
	}

	depth := w.depth.Add(1)
	select {
	case w.queue <- t:
	case <-ctx.Done():
		depth = w.depth.Add(-1)
		p.mu.RUnlock()
		p.reportDepth(w, depth)
		return fmt.Errorf("%w: %w", ErrNotQueued, ctx.Err())
	}
	p.mu.RUnlock()
	p.reportDepth(w, depth)

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		p.logger.Debug("caller stopped waiting; job continues", zap.String("account", w.account.Address()))
		return ctx.Err()
	}
}

// Submit runs fn through Execute and returns its result.
func Submit[A Account, T any](ctx context.Context, p *Pool[A], fn func(ctx context.Context, account A) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, func(ctx context.Context, account A) error {
		r, err := fn(ctx, account)
		result = r
		return err
	})
	if err != nil && (!Queued(err) || ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		var zero T
		return zero, err
	}
	return result, err
}

// Queued reports whether a job whose Execute call returned err was accepted
// into a queue. An accepted job runs even if its caller stopped waiting.
func Queued(err error) bool {
	return !errors.Is(err, ErrNotQueued) &&
		!errors.Is(err, ErrPoolClosed) &&
		!errors.Is(err, ErrNoAccountsAvailable)
}

// AccountsInfo returns a point-in-time snapshot of every account.
func (p *Pool[A]) AccountsInfo() []x402.AccountInfo {
	if p == nil {
		return nil
	}
	info := make([]x402.AccountInfo, len(p.workers))
	for i, w := range p.workers {
		info[i] = x402.AccountInfo{
			Address:        w.account.Address(),
			QueueDepth:     w.depth.Load(),
			TotalProcessed: w.processed.Load(),
		}
	}
	return info
}

// Close stops accepting jobs and waits until every queued job has run or
// ctx ends. Queued jobs are never interrupted.
func (p *Pool[A]) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, w := range p.workers {
			close(w.queue)
		}
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("account pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for account pool to drain: %w", ctx.Err())
	}
}

func (p *Pool[A]) next() *worker[A] {
	n := len(p.workers)
	if n == 1 {
		return p.workers[0]
	}
	switch p.strategy {
	case Random:
		return p.workers[p.randIntN(n)]
	default:
		idx := (p.cursor.Add(1) - 1) % uint64(n)
		return p.workers[idx]
	}
}

func (p *Pool[A]) run(w *worker[A]) {
	defer p.wg.Done()

	for t := range w.queue {
		start := time.Now()
		err := p.invoke(w, t)

		depth := w.depth.Add(-1)
		w.processed.Add(1)

		p.reportDepth(w, depth)
		if p.observer != nil {
			p.observer.JobDone(p.network, w.account.Address(), time.Since(start), err)
		}
		t.done <- err
	}
}

func (p *Pool[A]) invoke(w *worker[A], t task[A]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.String("account", w.account.Address()), zap.Any("panic", r))
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return t.job(t.ctx, w.account)
}

func (p *Pool[A]) reportDepth(w *worker[A], depth int64) {
	if p.observer != nil {
		p.observer.QueueDepth(p.network, w.account.Address(), depth)
	}
}
