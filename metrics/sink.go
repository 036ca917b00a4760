// Package metrics holds the in-memory per-node counters an external
// collector consumes; nothing in this package samples CPU or memory or
// renders a plot.
package metrics

import "sync"

// Sample is one emitted counter value tagged by node id and a monotonic
// timestamp.
type Sample struct {
	NodeID    string  `json:"node_id"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// Sink is the in-memory named-counter store. Accumulating counters
// (messages_sent, messages_received) add to a running total; gauge-style
// fields (cpu_percent, memory_mb, latency_seconds) are set directly —
// nothing here samples them, a caller with that data sets it explicitly.
type Sink struct {
	mu       sync.Mutex
	nodeID   string
	counters map[string]float64
	gauges   map[string]float64
	recent   []Sample
	maxKept  int
}

// NewSink returns a Sink for nodeID, keeping at most maxKept recent
// samples for the export surface.
func NewSink(nodeID string, maxKept int) *Sink {
	if maxKept <= 0 {
		maxKept = 1024
	}
	return &Sink{
		nodeID:   nodeID,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		maxKept:  maxKept,
	}
}

// Add increments a named counter (messages_sent, messages_received) by
// delta and records a sample.
func (s *Sink) Add(name string, delta float64, timestamp float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	s.record(name, s.counters[name], timestamp)
}

// Set overwrites a gauge (cpu_percent, memory_mb, latency_seconds) to
// value; the core never calls this for cpu_percent/memory_mb itself —
// only an external sampler supplying the value would.
func (s *Sink) Set(name string, value float64, timestamp float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = value
	s.record(name, value, timestamp)
}

func (s *Sink) record(name string, value float64, timestamp float64) {
	s.recent = append(s.recent, Sample{NodeID: s.nodeID, Name: name, Value: value, Timestamp: timestamp})
	if len(s.recent) > s.maxKept {
		s.recent = s.recent[len(s.recent)-s.maxKept:]
	}
}

// Snapshot returns the current counters, gauges, and recent samples.
func (s *Sink) Snapshot() (counters map[string]float64, gauges map[string]float64, recent []Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters = make(map[string]float64, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(s.gauges))
	for k, v := range s.gauges {
		gauges[k] = v
	}
	recent = make([]Sample, len(s.recent))
	copy(recent, s.recent)
	return
}
