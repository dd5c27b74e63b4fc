package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"sync"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Unregister removes a previously registered listener and reports whether it was found.
	Unregister(eventType EventType, listener HookListener) bool
	// Listeners returns how many listeners are registered for eventType.
	Listeners(eventType EventType) int
	// Trigger fires all registered listeners for a given event.
	// Pre-events run synchronously and may veto the operation by returning an error.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() any
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   any
}

func (e *BaseEvent) Type() EventType { return e.eventType }
func (e *BaseEvent) Payload() any    { return e.payload }

// HookListener is implemented by components that react to engine events.
type HookListener interface {
	// OnEvent handles one event. An error from a Pre event vetoes the
	// operation; errors from other events are only logged.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority orders listeners of one event. Lower runs first.
	Priority() int

	// IsAsync asks for the listener to run in its own goroutine. Ignored for Pre events.
	IsAsync() bool
}

// vetoable lists the events whose listeners run inline and can reject the operation.
var vetoable = map[EventType]bool{
	EventPreWrite:       true,
	EventPreDelete:      true,
	EventPreCompaction:  true,
	EventPreStartEngine: true,
	EventPreCloseEngine: true,
}

// IsVetoable reports whether listeners of t can cancel the triggering operation.
func IsVetoable(t EventType) bool { return vetoable[t] }

type registration struct {
	listener HookListener
	priority int
}

// DefaultHookManager dispatches events to listeners sorted by priority.
type DefaultHookManager struct {
	mu     sync.RWMutex
	byType map[EventType][]registration
	async  sync.WaitGroup
	logger *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		byType: make(map[EventType][]registration),
		logger: logger.With("component", "HookManager"),
	}
}

// Register inserts listener after every registration of equal or lower
// priority, so ties run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg := registration{listener: listener, priority: listener.Priority()}
	regs := m.byType[eventType]
	at := sort.Search(len(regs), func(i int) bool { return regs[i].priority > reg.priority })
	// copy so a concurrent Trigger keeps iterating the old slice
	m.byType[eventType] = slices.Insert(slices.Clone(regs), at, reg)
}

// Unregister only matches comparable listeners such as pointers; a Listen
// value holds a func and is never found.
func (m *DefaultHookManager) Unregister(eventType EventType, listener HookListener) bool {
	if listener == nil || !reflect.TypeOf(listener).Comparable() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.byType[eventType]
	i := slices.IndexFunc(regs, func(r registration) bool {
		return reflect.TypeOf(r.listener).Comparable() && r.listener == listener
	})
	if i < 0 {
		return false
	}
	m.byType[eventType] = slices.Delete(slices.Clone(regs), i, i+1)
	return true
}

func (m *DefaultHookManager) Listeners(eventType EventType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byType[eventType])
}

// Trigger runs the listeners of event in priority order. For vetoable events
// the first error stops dispatch and is returned.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	regs := m.byType[event.Type()]
	m.mu.RUnlock()
	if len(regs) == 0 {
		return nil
	}

	veto := IsVetoable(event.Type())
	for _, reg := range regs {
		if veto || !reg.listener.IsAsync() {
			if veto && reg.listener.IsAsync() {
				m.logger.Warn("Async listener registered for a vetoable event runs synchronously", "event", event.Type(), "priority", reg.priority)
			}
			err := m.call(ctx, reg, event)
			if err == nil {
				continue
			}
			if veto {
				return fmt.Errorf("hook for event %s (priority %d) rejected the operation: %w", event.Type(), reg.priority, err)
			}
			m.logger.Error("Hook listener failed", "event", event.Type(), "priority", reg.priority, "error", err)
			continue
		}

		m.async.Add(1)
		go func(reg registration) {
			defer m.async.Done()
			// the caller's context may be cancelled as soon as Trigger returns
			if err := m.call(context.WithoutCancel(ctx), reg, event); err != nil {
				m.logger.Error("Async hook listener failed", "event", event.Type(), "priority", reg.priority, "error", err)
			}
		}(reg)
	}
	return nil
}

// call turns a listener panic into an error.
func (m *DefaultHookManager) call(ctx context.Context, reg registration, event HookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return reg.listener.OnEvent(ctx, event)
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.async.Wait()
}

// Listen adapts a function into a HookListener.
type Listen struct {
	Fn    func(ctx context.Context, event HookEvent) error
	Prio  int
	Async bool
}

func (l Listen) OnEvent(ctx context.Context, event HookEvent) error { return l.Fn(ctx, event) }
func (l Listen) Priority() int                                       { return l.Prio }
func (l Listen) IsAsync() bool                                       { return l.Async }
