package observability

import (
	"sync"
	"time"

	"conductor/internal/txn"
)

// Snapshot is the JSON shape served by the metrics endpoint.
type Snapshot struct {
	UptimeSec     int64            `json:"uptime_sec"`
	Started       int64            `json:"started"`
	InFlight      int64            `json:"in_flight"`
	ByPattern     map[string]int64 `json:"by_pattern"`
	Terminal      map[string]int64 `json:"terminal"`
	Compensations int64            `json:"compensations"`
	Unrecoverable int64            `json:"unrecoverable"`
}

// Metrics counts transaction lifecycle transitions. It plugs into the
// coordination core as an observer; snapshots are cheap copies taken
// under the same lock the counters use.
type Metrics struct {
	mu            sync.Mutex
	start         time.Time
	started       int64
	inFlight      int64
	byPattern     map[txn.Pattern]int64
	terminal      map[txn.Status]int64
	compensations int64
}

// NewMetrics constructs zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		start:     time.Now(),
		byPattern: make(map[txn.Pattern]int64),
		terminal:  make(map[txn.Status]int64),
	}
}

// Observer adapts the metrics to the coordination core's hook contract.
func (m *Metrics) Observer() txn.Observer {
	return func(record txn.Transaction) {
		m.mu.Lock()
		defer m.mu.Unlock()
		switch record.Status {
		case txn.StatusCreated:
			m.started++
			m.inFlight++
		case txn.StatusPatternSelected:
			m.byPattern[record.Pattern]++
		case txn.StatusCompensating:
			m.compensations++
		}
		if record.Status.Terminal() {
			m.terminal[record.Status]++
			if m.inFlight > 0 {
				m.inFlight--
			}
		}
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:     int64(time.Since(m.start).Seconds()),
		Started:       m.started,
		InFlight:      m.inFlight,
		ByPattern:     make(map[string]int64, len(m.byPattern)),
		Terminal:      make(map[string]int64, len(m.terminal)),
		Compensations: m.compensations,
		Unrecoverable: m.terminal[txn.StatusFailed],
	}
	for pattern, n := range m.byPattern {
		snap.ByPattern[string(pattern)] = n
	}
	for status, n := range m.terminal {
		snap.Terminal[string(status)] = n
	}
	return snap
}

// MultiObserver fans one transition out to several observers.
func MultiObserver(observers ...txn.Observer) txn.Observer {
	return func(record txn.Transaction) {
		for _, obs := range observers {
			if obs != nil {
				obs(record)
			}
		}
	}
}
