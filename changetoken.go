package mergefs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// callbackList fires its registered callbacks at most once.
type callbackList struct {
	mu      sync.Mutex
	fired   atomic.Bool
	nextID  int
	pending map[int]func()
}

func (l *callbackList) add(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		l.pending = make(map[int]func())
	}
	id := l.nextID
	l.nextID++
	l.pending[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}
}

func (l *callbackList) fire() {
	if l.fired.Swap(true) {
		return
	}
	l.mu.Lock()
	fns := make([]func(), 0, len(l.pending))
	for _, fn := range l.pending {
		fns = append(fns, fn)
	}
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// CallbackChangeToken is signalled by a backend with native change events,
// such as the memory and local drivers.
type CallbackChangeToken struct {
	cbs callbackList
}

func NewCallbackChangeToken() *CallbackChangeToken {
	return &CallbackChangeToken{}
}

func (t *CallbackChangeToken) HasChanged() bool            { return t.cbs.fired.Load() }
func (t *CallbackChangeToken) ActiveChangeCallbacks() bool { return true }

func (t *CallbackChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	return t.cbs.add(callback)
}

// SignalChange marks the token changed and runs the registered callbacks.
// Later calls do nothing.
func (t *CallbackChangeToken) SignalChange() {
	t.cbs.fire()
}

// PollingConfig configures NewPollingChangeToken.
type PollingConfig struct {
	// Interval between checks. Defaults to 5 seconds.
	Interval time.Duration
	// CheckFunc reports whether the watched resource changed.
	CheckFunc func() bool
}

// PollingChangeToken serves backends without change events. The polling
// goroutine exits on the first detected change, when ctx is done, or on Stop.
type PollingChangeToken struct {
	cbs    callbackList
	cancel context.CancelFunc
}

func NewPollingChangeToken(ctx context.Context, cfg PollingConfig) *PollingChangeToken {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &PollingChangeToken{cancel: cancel}

	go func() {
		defer cancel()
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cfg.CheckFunc != nil && cfg.CheckFunc() {
					t.cbs.fire()
					return
				}
			}
		}
	}()
	return t
}

func (t *PollingChangeToken) HasChanged() bool            { return t.cbs.fired.Load() }
func (t *PollingChangeToken) ActiveChangeCallbacks() bool { return true }

func (t *PollingChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	return t.cbs.add(callback)
}

// Stop ends polling. It may be called more than once.
func (t *PollingChangeToken) Stop() { t.cancel() }

// CompositeChangeToken reports a change as soon as any member token does.
// MountTable.Watch uses it to combine the tokens of several mounts.
type CompositeChangeToken struct {
	tokens []ChangeToken
}

func NewCompositeChangeToken(tokens ...ChangeToken) *CompositeChangeToken {
	return &CompositeChangeToken{tokens: tokens}
}

func (c *CompositeChangeToken) HasChanged() bool {
	for _, t := range c.tokens {
		if t.HasChanged() {
			return true
		}
	}
	return false
}

func (c *CompositeChangeToken) ActiveChangeCallbacks() bool {
	if len(c.tokens) == 0 {
		return false
	}
	for _, t := range c.tokens {
		if !t.ActiveChangeCallbacks() {
			return false
		}
	}
	return true
}

// RegisterChangeCallback runs callback once, on the first member change.
func (c *CompositeChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	var once sync.Once
	fn := func() { once.Do(callback) }

	undo := make([]func(), 0, len(c.tokens))
	for _, t := range c.tokens {
		undo = append(undo, t.RegisterChangeCallback(fn))
	}
	return func() {
		for _, u := range undo {
			u()
		}
	}
}

// CancelledChangeToken is permanently changed. Backends that cannot watch
// return it so callers fall back to rescanning.
type CancelledChangeToken struct{}

func (CancelledChangeToken) HasChanged() bool            { return true }
func (CancelledChangeToken) ActiveChangeCallbacks() bool { return false }

func (CancelledChangeToken) RegisterChangeCallback(callback func()) func() {
	callback()
	return func() {}
}

// OnChange re-arms a watch after every change: it asks produce for a fresh
// token, waits for it to fire, runs action, and repeats until the returned
// cancel func is called or produce fails.
func OnChange(produce func() (ChangeToken, error), action func()) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())

	go func() {
		for {
			token, err := produce()
			if err != nil {
				return
			}
			fired := make(chan struct{})
			var once sync.Once
			unregister := token.RegisterChangeCallback(func() { once.Do(func() { close(fired) }) })

			select {
			case <-ctx.Done():
				unregister()
				return
			case <-fired:
				unregister()
				action()
			}
		}
	}()
	return stop
}
