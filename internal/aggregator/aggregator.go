// Package aggregator coalesces bursts of inbound message fragments into a
// single turn per sender.
//
// Each sender has at most one pending drain. The first fragment of a burst
// opens a window; fragments arriving before the quiet period elapses join it.
// When the window closes, the drain takes ownership of the buffer before
// calling the engine, so fragments arriving during the engine call open a new
// window instead of being lost. Engine calls for one sender never overlap: a
// window that closes while the previous turn is still running waits for it and
// keeps collecting fragments until then.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultQuietPeriod = time.Second
	separator          = " "
)

// ErrClosed is returned by Add once Close has been called.
var ErrClosed = errors.New("aggregator: closed")

// Engine receives one consolidated message per closed window.
type Engine interface {
	HandleTurn(ctx context.Context, sender, message string) error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, sender, message string) error

func (f EngineFunc) HandleTurn(ctx context.Context, sender, message string) error {
	return f(ctx, sender, message)
}

type Option func(*Aggregator)

// WithQuietPeriod sets how long a window stays open after its first fragment.
func WithQuietPeriod(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.quiet = d
		}
	}
}

// WithEngineTimeout bounds each engine call. Zero means no timeout.
func WithEngineTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d >= 0 {
			a.engineTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithErrorHook registers a callback invoked after a drain fails and the
// sender state has been reset.
func WithErrorHook(fn func(sender string, err error)) Option {
	return func(a *Aggregator) {
		a.onError = fn
	}
}

// WithBaseContext sets the parent context of every engine call.
func WithBaseContext(ctx context.Context) Option {
	return func(a *Aggregator) {
		if ctx != nil {
			a.baseCtx = ctx
		}
	}
}

// Aggregator owns the per-sender buffers and the pending-drain registry.
type Aggregator struct {
	engine        Engine
	quiet         time.Duration
	engineTimeout time.Duration
	logger        *slog.Logger
	onError       func(sender string, err error)
	baseCtx       context.Context

	mu      sync.Mutex
	buffers map[string][]string
	pending map[string]uint64
	turns   map[string]*senderTurn
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
}

func New(engine Engine, opts ...Option) (*Aggregator, error) {
	if engine == nil {
		return nil, errors.New("aggregator: engine must not be nil")
	}
	a := &Aggregator{
		engine:  engine,
		quiet:   DefaultQuietPeriod,
		logger:  slog.Default(),
		baseCtx: context.Background(),
		buffers: make(map[string][]string),
		pending: make(map[string]uint64),
		turns:   make(map[string]*senderTurn),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Add appends fragment to the sender's buffer and makes sure a drain is
// pending for that sender. It reports whether this call opened a new window.
func (a *Aggregator) Add(sender, fragment string) (bool, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return false, errors.New("aggregator: sender is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ErrClosed
	}
	a.buffers[sender] = append(a.buffers[sender], fragment)
	return a.scheduleLocked(sender), nil
}

// Schedule starts a drain for sender unless one is already pending.
// It reports whether a drain was started.
func (a *Aggregator) Schedule(sender string) bool {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	return a.scheduleLocked(sender)
}

func (a *Aggregator) scheduleLocked(sender string) bool {
	if _, ok := a.pending[sender]; ok {
		return false
	}
	a.nextID++
	id := a.nextID
	a.pending[sender] = id
	a.wg.Add(1)
	go a.run(sender, id)
	a.logger.Debug("aggregation window opened", "sender", sender, "window", id)
	return true
}

// Snapshot returns the number of buffered fragments for sender and whether a
// drain is pending.
func (a *Aggregator) Snapshot(sender string) (buffered int, pending bool) {
	sender = strings.TrimSpace(sender)
	a.mu.Lock()
	defer a.mu.Unlock()
	_, pending = a.pending[sender]
	return len(a.buffers[sender]), pending
}

// Close stops accepting fragments and waits for in-flight drains.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("aggregator: close: %w", ctx.Err())
	}
}

func (a *Aggregator) run(sender string, id uint64) {
	defer a.wg.Done()
	if err := a.drain(sender, id); err != nil {
		a.logger.Error("aggregation task failed", "sender", sender, "window", id, "err", err)
		if a.onError != nil {
			a.onError(sender, err)
		}
	}
}

func (a *Aggregator) drain(sender string, id uint64) error {
	time.Sleep(a.quiet)

	st := a.acquireTurn(sender)
	defer a.releaseTurn(sender, st)

	fragments := a.take(sender, id)
	if len(fragments) == 0 {
		return nil
	}
	message := strings.Join(fragments, separator)
	a.logger.Info("dispatching aggregated message", "sender", sender, "window", id, "fragments", len(fragments))

	ctx := a.baseCtx
	if a.engineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.engineTimeout)
		defer cancel()
	}
	if err := a.invoke(ctx, sender, message); err != nil {
		a.reset(sender, id)
		return fmt.Errorf("aggregator: handle turn: %w", err)
	}
	return nil
}

func (a *Aggregator) invoke(ctx context.Context, sender, message string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return a.engine.HandleTurn(ctx, sender, message)
}

// take clears the sender's buffer and pending entry and returns what was buffered.
func (a *Aggregator) take(sender string, id uint64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	fragments := a.buffers[sender]
	delete(a.buffers, sender)
	if a.pending[sender] == id {
		delete(a.pending, sender)
	}
	return fragments
}

// reset clears sender state after a failed drain. A window opened after the
// failing drain took ownership belongs to a newer drain and is left alone.
func (a *Aggregator) reset(sender string, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if current, ok := a.pending[sender]; ok && current != id {
		return
	}
	delete(a.buffers, sender)
	delete(a.pending, sender)
}

// senderTurn serialises engine calls for one sender. refs counts the drains
// holding or waiting for it; the entry is dropped when it reaches zero.
type senderTurn struct {
	mu   sync.Mutex
	refs int
}

func (a *Aggregator) acquireTurn(sender string) *senderTurn {
	a.mu.Lock()
	st, ok := a.turns[sender]
	if !ok {
		st = &senderTurn{}
		a.turns[sender] = st
	}
	st.refs++
	a.mu.Unlock()

	st.mu.Lock()
	return st
}

func (a *Aggregator) releaseTurn(sender string, st *senderTurn) {
	st.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	st.refs--
	if st.refs == 0 {
		delete(a.turns, sender)
	}
}
