package service

import (
	"errors"
	"sort"
	"sync"
	"time"

	"auth-guard/internal/domain"
)

type endpointState struct {
	mutex     sync.Mutex
	faults    int
	enabled   bool
	lastFault time.Time
}

// FaultClassifier is a per-endpoint circuit breaker. Unexpected faults are
// counted; once the count exceeds the threshold the endpoint is disabled until
// an operator enables it again.
type FaultClassifier struct {
	mutex     sync.RWMutex
	endpoints map[string]*endpointState
	threshold int
	logger    domain.Logger
	now       func() time.Time
}

// NewFaultClassifier creates a breaker that trips after threshold unexpected faults
func NewFaultClassifier(threshold int, logger domain.Logger) *FaultClassifier {
	return &FaultClassifier{
		endpoints: make(map[string]*endpointState),
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Classify rates err. Kinded client errors are expected, recovered panics are
// critical and everything else is internal.
func (f *FaultClassifier) Classify(err error) domain.Severity {
	var panicErr *domain.PanicError
	switch {
	case err == nil:
		return domain.SeverityExpected
	case errors.As(err, &panicErr):
		return domain.SeverityCritical
	case domain.KindOf(err).Expected():
		return domain.SeverityExpected
	default:
		return domain.SeverityInternal
	}
}

func (f *FaultClassifier) state(endpoint string) *endpointState {
	f.mutex.RLock()
	state, ok := f.endpoints[endpoint]
	f.mutex.RUnlock()
	if ok {
		return state
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if state, ok = f.endpoints[endpoint]; !ok {
		state = &endpointState{enabled: true}
		f.endpoints[endpoint] = state
	}
	return state
}

// RecordFault classifies err and counts it against endpoint unless it is expected.
// The returned flag reports whether the endpoint is disabled afterwards.
func (f *FaultClassifier) RecordFault(endpoint string, err error) (domain.Severity, bool) {
	severity := f.Classify(err)
	if severity == domain.SeverityExpected {
		return severity, !f.IsEnabled(endpoint)
	}

	state := f.state(endpoint)
	state.mutex.Lock()
	defer state.mutex.Unlock()

	state.faults++
	state.lastFault = f.now()

	if state.enabled && state.faults > f.threshold {
		state.enabled = false
		f.logger.Error("Endpoint disabled after repeated faults", err, map[string]interface{}{
			"endpoint":  endpoint,
			"faults":    state.faults,
			"threshold": f.threshold,
			"severity":  severity.String(),
		})
	}
	return severity, !state.enabled
}

// IsEnabled reports whether endpoint still serves requests
func (f *FaultClassifier) IsEnabled(endpoint string) bool {
	f.mutex.RLock()
	state, ok := f.endpoints[endpoint]
	f.mutex.RUnlock()
	if !ok {
		return true
	}

	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.enabled
}

// Enable puts endpoint back in service and clears its fault count
func (f *FaultClassifier) Enable(endpoint string) bool {
	f.mutex.RLock()
	state, ok := f.endpoints[endpoint]
	f.mutex.RUnlock()
	if !ok {
		return false
	}

	state.mutex.Lock()
	defer state.mutex.Unlock()
	wasDisabled := !state.enabled
	state.enabled = true
	state.faults = 0

	f.logger.Info("Endpoint enabled by operator", map[string]interface{}{
		"endpoint":     endpoint,
		"was_disabled": wasDisabled,
	})
	return true
}

// Snapshot lists every endpoint that has recorded a fault, sorted by name
func (f *FaultClassifier) Snapshot() []domain.EndpointHealth {
	f.mutex.RLock()
	names := make([]string, 0, len(f.endpoints))
	states := make(map[string]*endpointState, len(f.endpoints))
	for name, state := range f.endpoints {
		names = append(names, name)
		states[name] = state
	}
	f.mutex.RUnlock()

	sort.Strings(names)
	out := make([]domain.EndpointHealth, 0, len(names))
	for _, name := range names {
		state := states[name]
		state.mutex.Lock()
		health := domain.EndpointHealth{
			Endpoint: name,
			Faults:   state.faults,
			Enabled:  state.enabled,
		}
		if !state.lastFault.IsZero() {
			lastFault := state.lastFault
			health.LastFault = &lastFault
		}
		state.mutex.Unlock()
		out = append(out, health)
	}
	return out
}
