package biz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"PulseGuard/internal/conf"
	"PulseGuard/internal/metrics"
	"PulseGuard/internal/model"
	apperrors "PulseGuard/pkg/errors"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// Breaker routes used by the service.
const (
	RouteStoreWrite = "store-write"
	RouteStoreRead  = "store-read"
)

// StateListener is notified of every circuit transition, after the route lock is released.
type StateListener interface {
	OnTransition(ctx context.Context, event *model.CircuitTransitionEvent)
}

// StateListeners is the set of listeners injected into the breaker.
type StateListeners []StateListener

// NewStateListeners publishes transitions to the shared state cache and the event journal.
func NewStateListeners(publisher CircuitStatePublisher, journal EventJournal, logger log.Logger) StateListeners {
	return StateListeners{
		&publishingListener{publisher: publisher, logger: log.NewHelper(logger)},
		&journalListener{journal: journal},
	}
}

// routeBreaker is the state of one route. Every field except probeInFlight is guarded by mu.
type routeBreaker struct {
	mu                  sync.Mutex
	state               model.BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	// generation changes on every transition so late outcomes can be told apart.
	generation    uint64
	probeInFlight atomic.Bool
}

type admission struct {
	generation uint64
	probe      bool
}

// CircuitBreaker is a registry of independent per-route breakers.
//
//	CLOSED --threshold dependency failures--> OPEN
//	OPEN --open timeout elapsed, next call--> HALF_OPEN
//	HALF_OPEN --probe ok--> CLOSED, --probe failed--> OPEN
//
// Only dependency failures count. Validation errors, InvalidRequest store errors,
// CircuitOpenError and cancellations of the caller's own context do not.
type CircuitBreaker struct {
	failureThreshold int
	openTimeout      time.Duration
	routes           sync.Map // route -> *routeBreaker
	listeners        StateListeners
	metrics          *metrics.Metrics
	now              func() time.Time
	log              *pkglog.LogHelper
}

// NewCircuitBreaker creates a breaker registry from the resilience configuration.
func NewCircuitBreaker(c *conf.Resilience, listeners StateListeners, m *metrics.Metrics, logger log.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: c.Breaker.FailureThreshold,
		openTimeout:      c.Breaker.OpenTimeout,
		listeners:        listeners,
		metrics:          m,
		now:              time.Now,
		log:              pkglog.NewLogHelper(logger),
	}
}

// Execute runs op if the route admits it and records the outcome.
// When the route rejects the call, op is not run and a CircuitOpenError is returned.
// The error of op is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, route string, op func(ctx context.Context) error) (err error) {
	rb := cb.route(route)
	adm, err := cb.admit(ctx, route, rb)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(ctx, route, rb, adm, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = op(ctx)
	cb.record(ctx, route, rb, adm, err)
	return err
}

func (cb *CircuitBreaker) route(route string) *routeBreaker {
	if rb, ok := cb.routes.Load(route); ok {
		return rb.(*routeBreaker)
	}
	rb, _ := cb.routes.LoadOrStore(route, &routeBreaker{state: model.StateClosed})
	return rb.(*routeBreaker)
}

func (cb *CircuitBreaker) admit(ctx context.Context, route string, rb *routeBreaker) (admission, error) {
	now := cb.now()

	rb.mu.Lock()
	var event *model.CircuitTransitionEvent
	if rb.state == model.StateOpen && now.Sub(rb.lastFailureAt) > cb.openTimeout {
		event = cb.transitionLocked(route, rb, model.StateHalfOpen, now)
	}

	var adm admission
	var err error
	switch rb.state {
	case model.StateClosed:
		adm = admission{generation: rb.generation}
	case model.StateOpen:
		err = NewCircuitOpenError(route, retryAfterSeconds(cb.openTimeout-now.Sub(rb.lastFailureAt)))
	case model.StateHalfOpen:
		if rb.probeInFlight.CompareAndSwap(false, true) {
			adm = admission{generation: rb.generation, probe: true}
		} else {
			err = NewCircuitOpenError(route, 1)
		}
	}
	rb.mu.Unlock()

	cb.publish(ctx, event)
	if err != nil {
		cb.metrics.CircuitRejected(route)
	}
	return adm, err
}

func (cb *CircuitBreaker) record(ctx context.Context, route string, rb *routeBreaker, adm admission, opErr error) {
	failure := IsDependencyFailure(ctx, opErr)
	now := cb.now()

	rb.mu.Lock()
	if adm.generation != rb.generation {
		// The route left the state the call was admitted in.
		rb.mu.Unlock()
		return
	}

	var event *model.CircuitTransitionEvent
	switch {
	case adm.probe:
		rb.probeInFlight.Store(false)
		if opErr == nil {
			event = cb.transitionLocked(route, rb, model.StateClosed, now)
		} else if failure {
			rb.consecutiveFailures++
			rb.lastFailureAt = now
			event = cb.transitionLocked(route, rb, model.StateOpen, now)
		}
	case opErr == nil:
		rb.consecutiveFailures = 0
	case failure:
		rb.consecutiveFailures++
		rb.lastFailureAt = now
		if rb.consecutiveFailures >= cb.failureThreshold {
			event = cb.transitionLocked(route, rb, model.StateOpen, now)
		}
	}
	rb.mu.Unlock()

	cb.publish(ctx, event)
}

func (cb *CircuitBreaker) transitionLocked(route string, rb *routeBreaker, to model.BreakerState, now time.Time) *model.CircuitTransitionEvent {
	from := rb.state
	rb.state = to
	rb.generation++
	switch to {
	case model.StateClosed:
		rb.consecutiveFailures = 0
	case model.StateHalfOpen:
		rb.probeInFlight.Store(false)
	}
	return &model.CircuitTransitionEvent{
		Route: route,
		From:  from,
		To:    to,
		At:    now,
		State: rb.snapshotLocked(route),
	}
}

func (cb *CircuitBreaker) publish(ctx context.Context, event *model.CircuitTransitionEvent) {
	if event == nil {
		return
	}
	cb.metrics.CircuitTransition(event.Route, event.From, event.To)

	kvs := []interface{}{
		"route", event.Route,
		"from", string(event.From),
		"to", string(event.To),
		"consecutive_failures", event.State.ConsecutiveFailures,
		"manual", event.Manual,
	}
	if event.To == model.StateOpen {
		cb.log.Circuit(fmt.Sprintf("circuit %s opened", event.Route), kvs...)
	} else {
		cb.log.Infow(append([]interface{}{"msg", fmt.Sprintf("circuit %s is %s", event.Route, event.To), "type", "circuit"}, kvs...)...)
	}

	for _, l := range cb.listeners {
		l.OnTransition(ctx, event)
	}
}

// State returns a copy of one route's state. Unknown routes report CLOSED.
func (cb *CircuitBreaker) State(route string) model.CircuitState {
	v, ok := cb.routes.Load(route)
	if !ok {
		return model.CircuitState{Route: route, State: model.StateClosed}
	}
	rb := v.(*routeBreaker)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.snapshotLocked(route)
}

// Snapshot returns the state of every known route, sorted by route.
func (cb *CircuitBreaker) Snapshot() []model.CircuitState {
	var states []model.CircuitState
	cb.routes.Range(func(key, value interface{}) bool {
		rb := value.(*routeBreaker)
		rb.mu.Lock()
		states = append(states, rb.snapshotLocked(key.(string)))
		rb.mu.Unlock()
		return true
	})
	sort.Slice(states, func(i, j int) bool { return states[i].Route < states[j].Route })
	return states
}

// Reset forces a known route back to CLOSED with no recorded failures.
// It returns false when the route has never been used.
func (cb *CircuitBreaker) Reset(ctx context.Context, route string) (model.CircuitState, bool) {
	v, ok := cb.routes.Load(route)
	if !ok {
		return model.CircuitState{}, false
	}
	rb := v.(*routeBreaker)
	now := cb.now()

	rb.mu.Lock()
	event := cb.transitionLocked(route, rb, model.StateClosed, now)
	rb.lastFailureAt = time.Time{}
	rb.probeInFlight.Store(false)
	event.Manual = true
	event.State = rb.snapshotLocked(route)
	state := event.State
	rb.mu.Unlock()

	cb.publish(ctx, event)
	return state, true
}

func (rb *routeBreaker) snapshotLocked(route string) model.CircuitState {
	s := model.CircuitState{
		Route:                 route,
		State:                 rb.state,
		ConsecutiveFailures:   rb.consecutiveFailures,
		HalfOpenProbeInFlight: rb.probeInFlight.Load(),
	}
	if !rb.lastFailureAt.IsZero() {
		t := rb.lastFailureAt
		s.LastFailureAt = &t
	}
	return s
}

// IsDependencyFailure reports whether err should count against a breaker.
func IsDependencyFailure(ctx context.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case IsValidationError(err), IsConstraintError(err), IsCircuitOpenError(err), apperrors.IsInvalidRequest(err):
		return false
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return false
	}
	return true
}

func retryAfterSeconds(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

type publishingListener struct {
	publisher CircuitStatePublisher
	logger    *log.Helper
}

func (l *publishingListener) OnTransition(ctx context.Context, event *model.CircuitTransitionEvent) {
	if l.publisher == nil {
		return
	}
	state := event.State
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.publisher.Publish(pubCtx, &state); err != nil {
			l.logger.Warnw("msg", "failed to publish circuit state (degraded mode)", "route", state.Route, "error", err)
		}
	}()
}

type journalListener struct {
	journal EventJournal
}

func (l *journalListener) OnTransition(ctx context.Context, event *model.CircuitTransitionEvent) {
	if l.journal == nil {
		return
	}
	eventType := model.EventCircuitClosed
	switch {
	case event.Manual:
		eventType = model.EventCircuitReset
	case event.To == model.StateOpen:
		eventType = model.EventCircuitOpened
	case event.To == model.StateHalfOpen:
		eventType = model.EventCircuitHalfOpen
	}
	l.journal.Record(ctx, &model.JournalEntry{
		EventType: eventType,
		Subject:   event.Route,
		Details: map[string]interface{}{
			"from":                 string(event.From),
			"to":                   string(event.To),
			"consecutive_failures": event.State.ConsecutiveFailures,
		},
		CreatedAt: event.At,
	})
}
