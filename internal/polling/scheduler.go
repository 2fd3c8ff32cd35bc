// Package polling runs keyed, attempt-bounded polling loops. At most one loop
// is active per key; starting a key again replaces the running loop.
//
// Typical usage:
//
//	s := polling.New(polling.WithLogger(logger))
//	s.Start("job:"+id, fetchStatus, polling.Options{
//		Interval:   time.Second,
//		ShouldStop: func(v any) bool { return v.(*JobStatus).Done() },
//		OnComplete: func(v any) { ... },
//		OnError:    func(err error) { ... },
//	})
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 30
)

// ErrStopped is returned by Await when its loop is stopped or replaced before
// reaching a terminal callback.
var ErrStopped = errors.New("polling stopped")

// PollFunc fetches the latest state. ctx is cancelled when the loop is
// stopped or replaced.
type PollFunc func(ctx context.Context) (any, error)

// Options tunes one polling loop. Zero values take defaults.
type Options struct {
	// Interval between the end of one poll and the start of the next. Default: 2s.
	Interval time.Duration
	// MaxAttempts bounds the number of polls. Default: 30.
	MaxAttempts int
	// Delay before the first poll. Default: 0.
	Delay time.Duration

	// OnUpdate is called after every successful poll.
	OnUpdate func(data any)
	// OnComplete is called once, when ShouldStop first returns true.
	OnComplete func(data any)
	// OnError receives a *PollFunctionError or an *AttemptsExceededError.
	OnError func(err error)
	// ShouldStop decides whether data is final. Default: never.
	ShouldStop func(data any) bool
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.ShouldStop == nil {
		o.ShouldStop = func(any) bool { return false }
	}
}

// Status is a point-in-time view of one active loop.
type Status struct {
	Key         string        `json:"key"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Interval    time.Duration `json:"interval"`
	StartedAt   time.Time     `json:"startedAt"`
	LastPollAt  time.Time     `json:"lastPollAt"`
}

// Stats are cumulative counters over the scheduler's lifetime.
type Stats struct {
	Active    int   `json:"active"`
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Errored   int64 `json:"errored"`
	Exhausted int64 `json:"exhausted"`
	Stopped   int64 `json:"stopped"`
}

type loop struct {
	key    string
	fn     PollFunc
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Scheduler.mu
	attempts  int
	startedAt time.Time
	lastPoll  time.Time
}

// Scheduler owns the active polling loops. It is safe for concurrent use.
type Scheduler struct {
	logger *zap.Logger

	mu    sync.Mutex
	loops map[string]*loop

	started   atomic.Int64
	completed atomic.Int64
	errored   atomic.Int64
	exhausted atomic.Int64
	stopped   atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: zap.NewNop(),
		loops:  make(map[string]*loop),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling fn under key, replacing any loop already running
// under it. The first poll happens after opts.Delay on a separate goroutine;
// Start itself never blocks on fn and never fails.
func (s *Scheduler) Start(key string, fn PollFunc, opts Options) {
	s.start(key, fn, opts)
}

func (s *Scheduler) start(key string, fn PollFunc, opts Options) *loop {
	opts.defaults()
	if fn == nil {
		fn = func(context.Context) (any, error) { return nil, errNilPollFunc }
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		key:       key,
		fn:        fn,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	s.mu.Lock()
	if prev, ok := s.loops[key]; ok {
		prev.cancel()
		s.stopped.Add(1)
		s.logger.Debug("polling replaced", zap.String("key", key))
	}
	s.loops[key] = l
	s.mu.Unlock()

	s.started.Add(1)
	s.logger.Debug("polling started",
		zap.String("key", key),
		zap.Duration("interval", opts.Interval),
		zap.Int("maxAttempts", opts.MaxAttempts),
	)

	go s.run(l)
	return l
}

// Stop cancels the loop under key. Unknown or already stopped keys are ignored.
func (s *Scheduler) Stop(key string) {
	s.mu.Lock()
	l, ok := s.loops[key]
	if ok {
		delete(s.loops, key)
		l.cancel()
	}
	s.mu.Unlock()

	if ok {
		s.stopped.Add(1)
		s.logger.Debug("polling stopped", zap.String("key", key))
	}
}

// StopAll cancels every active loop.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	n := len(s.loops)
	for key, l := range s.loops {
		l.cancel()
		delete(s.loops, key)
	}
	s.mu.Unlock()

	if n > 0 {
		s.stopped.Add(int64(n))
		s.logger.Debug("all polling stopped", zap.Int("count", n))
	}
}

// IsPolling reports whether a loop is active under key.
func (s *Scheduler) IsPolling(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[key]
	return ok
}

// Status returns the state of the loop under key.
func (s *Scheduler) Status(key string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[key]
	if !ok {
		return Status{}, false
	}
	return Status{
		Key:         key,
		Attempts:    l.attempts,
		MaxAttempts: l.opts.MaxAttempts,
		Interval:    l.opts.Interval,
		StartedAt:   l.startedAt,
		LastPollAt:  l.lastPoll,
	}, true
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	active := len(s.loops)
	s.mu.Unlock()
	return Stats{
		Active:    active,
		Started:   s.started.Load(),
		Completed: s.completed.Load(),
		Errored:   s.errored.Load(),
		Exhausted: s.exhausted.Load(),
		Stopped:   s.stopped.Load(),
	}
}

// Await starts a loop under key and blocks until it completes, fails or ctx
// is done. Callbacks in opts still run. A loop stopped or replaced by another
// caller yields ErrStopped; a done ctx stops the loop and yields ctx.Err().
func (s *Scheduler) Await(ctx context.Context, key string, fn PollFunc, opts Options) (any, error) {
	type outcome struct {
		data any
		err  error
	}
	result := make(chan outcome, 1)

	onComplete, onError := opts.OnComplete, opts.OnError
	opts.OnComplete = func(data any) {
		if onComplete != nil {
			onComplete(data)
		}
		result <- outcome{data: data}
	}
	opts.OnError = func(err error) {
		if onError != nil {
			onError(err)
		}
		result <- outcome{err: err}
	}

	l := s.start(key, fn, opts)

	select {
	case r := <-result:
		return r.data, r.err
	case <-l.done:
		select {
		case r := <-result:
			return r.data, r.err
		default:
			return nil, fmt.Errorf("polling %s: %w", key, ErrStopped)
		}
	case <-ctx.Done():
		s.stopLoop(l)
		return nil, ctx.Err()
	}
}

// stopLoop stops l only if it is still the active loop for its key.
func (s *Scheduler) stopLoop(l *loop) {
	s.mu.Lock()
	live := s.loops[l.key] == l
	if live {
		delete(s.loops, l.key)
	}
	s.mu.Unlock()
	l.cancel()
	if live {
		s.stopped.Add(1)
	}
}

func (s *Scheduler) run(l *loop) {
	defer close(l.done)
	defer l.cancel()

	timer := time.NewTimer(l.opts.Delay)
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}
		if !s.tick(l) {
			return
		}
		timer.Reset(l.opts.Interval)
	}
}

// tick performs one poll. It returns false once the loop is finished.
// Callbacks run outside the lock, so they may call back into the scheduler.
func (s *Scheduler) tick(l *loop) bool {
	log := s.logger.With(zap.String("key", l.key))

	s.mu.Lock()
	if !s.liveLocked(l) {
		s.mu.Unlock()
		return false
	}
	if l.attempts >= l.opts.MaxAttempts {
		delete(s.loops, l.key)
		s.mu.Unlock()

		s.exhausted.Add(1)
		log.Warn("polling attempts exhausted", zap.Int("maxAttempts", l.opts.MaxAttempts))
		if l.opts.OnError != nil {
			l.opts.OnError(&AttemptsExceededError{Key: l.key, MaxAttempts: l.opts.MaxAttempts})
		}
		return false
	}
	attempt := l.attempts + 1
	l.lastPoll = time.Now()
	s.mu.Unlock()

	data, err := s.poll(l)

	s.mu.Lock()
	if !s.liveLocked(l) {
		s.mu.Unlock()
		return false
	}
	if err != nil {
		delete(s.loops, l.key)
		s.mu.Unlock()

		s.errored.Add(1)
		log.Warn("poll failed", zap.Int("attempt", attempt), zap.Error(err))
		if l.opts.OnError != nil {
			l.opts.OnError(&PollFunctionError{Key: l.key, Attempt: attempt, Err: err})
		}
		return false
	}
	s.mu.Unlock()

	if l.opts.OnUpdate != nil {
		l.opts.OnUpdate(data)
	}
	stop := l.opts.ShouldStop(data)

	s.mu.Lock()
	if !s.liveLocked(l) {
		s.mu.Unlock()
		return false
	}
	if stop {
		delete(s.loops, l.key)
		s.mu.Unlock()

		s.completed.Add(1)
		log.Debug("polling complete", zap.Int("attempts", attempt))
		if l.opts.OnComplete != nil {
			l.opts.OnComplete(data)
		}
		return false
	}
	l.attempts = attempt
	s.mu.Unlock()
	return true
}

// poll calls the poll function, turning a panic into an error.
func (s *Scheduler) poll(l *loop) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.fn(l.ctx)
}

func (s *Scheduler) liveLocked(l *loop) bool {
	return s.loops[l.key] == l && l.ctx.Err() == nil
}
