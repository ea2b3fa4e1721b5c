package metrics

import (
	"sync"
	"time"
)

// MetricsCollector provides a centralized way to collect and retrieve metrics
type MetricsCollector struct {
	mutex               sync.RWMutex
	counters            map[string]int64
	storeWriteCounts    map[string]int64
	storeWriteLatencies map[string][]time.Duration
	messageBusCounts    map[string]int64
	messageBusLatencies map[string][]time.Duration
	commandCounts       map[string]int64
	commandLatencies    map[string][]time.Duration
	breakerStates       map[string]string
	startTime           time.Time
	maxHistogramSamples int
}

// Counter metrics
const (
	CounterWritesTotal            = "writes_total"
	CounterWritesDurable          = "writes_durable_total"
	CounterWritesCompensated      = "writes_compensated_total"
	CounterEventsAppended         = "events_appended_total"
	CounterVersionConflicts       = "version_conflicts_total"
	CounterSnapshotsCreated       = "snapshots_created_total"
	CounterProjectionApplies      = "projection_applies_total"
	CounterProjectionRebuilds     = "projection_rebuilds_total"
	CounterSagasCompleted         = "sagas_completed_total"
	CounterSagasFailed            = "sagas_failed_total"
	CounterFailedWritesQueued     = "failed_writes_queued_total"
	CounterFailedWritesRecovered  = "failed_writes_recovered_total"
	CounterCompensationRollbacks  = "compensation_rollbacks_total"
	CounterRollbackFailures       = "rollback_failures_total"
)

// Message bus operations
const (
	MessageBusOperationSend     = "send"
	MessageBusOperationReceive  = "receive"
	MessageBusOperationComplete = "complete"
	MessageBusOperationReject   = "reject"
)

var (
	collector     *MetricsCollector
	collectorOnce sync.Once
)

// GetMetricsCollector returns the process-wide collector
func GetMetricsCollector() *MetricsCollector {
	collectorOnce.Do(func() {
		collector = NewMetricsCollector()
	})
	return collector
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:            make(map[string]int64),
		storeWriteCounts:    make(map[string]int64),
		storeWriteLatencies: make(map[string][]time.Duration),
		messageBusCounts:    make(map[string]int64),
		messageBusLatencies: make(map[string][]time.Duration),
		commandCounts:       make(map[string]int64),
		commandLatencies:    make(map[string][]time.Duration),
		breakerStates:       make(map[string]string),
		startTime:           time.Now(),
		maxHistogramSamples: 1000,
	}
}

// IncrementCounter increments a counter by the given value
func (m *MetricsCollector) IncrementCounter(name string, value int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.counters[name] += value
}

// RecordStoreWrite records the outcome and latency of one store write
func (m *MetricsCollector) RecordStoreWrite(store string, success bool, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := store + "_success"
	if !success {
		key = store + "_failure"
	}
	m.storeWriteCounts[key]++
	m.storeWriteLatencies[store] = appendSample(m.storeWriteLatencies[store], duration, m.maxHistogramSamples)
}

// RecordMessageBusOperation records a message bus operation
func (m *MetricsCollector) RecordMessageBusOperation(operation string, success bool, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := operation + "_success"
	if !success {
		key = operation + "_failure"
	}
	m.messageBusCounts[key]++
	m.messageBusLatencies[operation] = appendSample(m.messageBusLatencies[operation], duration, m.maxHistogramSamples)
}

// RecordCommand records command/query dispatch latency
func (m *MetricsCollector) RecordCommand(name string, success bool, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := name + "_success"
	if !success {
		key = name + "_failure"
	}
	m.commandCounts[key]++
	m.commandLatencies[name] = appendSample(m.commandLatencies[name], duration, m.maxHistogramSamples)
}

// SetBreakerState records the current state of a circuit breaker
func (m *MetricsCollector) SetBreakerState(dependency, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerStates[dependency] = state
}

// Snapshot is a point-in-time view of all collected metrics
type Snapshot struct {
	UptimeSeconds    float64                  `json:"uptime_seconds"`
	Counters         map[string]int64         `json:"counters"`
	StoreWrites      map[string]int64         `json:"store_writes"`
	StoreLatencyMs   map[string]float64       `json:"store_latency_avg_ms"`
	MessageBus       map[string]int64         `json:"message_bus"`
	Commands         map[string]int64         `json:"commands"`
	CommandLatencyMs map[string]float64       `json:"command_latency_avg_ms"`
	BreakerStates    map[string]string        `json:"breaker_states"`
}

// GetSnapshot returns a copy of all collected metrics
func (m *MetricsCollector) GetSnapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		UptimeSeconds:    time.Since(m.startTime).Seconds(),
		Counters:         copyCounts(m.counters),
		StoreWrites:      copyCounts(m.storeWriteCounts),
		StoreLatencyMs:   averageMs(m.storeWriteLatencies),
		MessageBus:       copyCounts(m.messageBusCounts),
		Commands:         copyCounts(m.commandCounts),
		CommandLatencyMs: averageMs(m.commandLatencies),
		BreakerStates:    make(map[string]string, len(m.breakerStates)),
	}
	for k, v := range m.breakerStates {
		snap.BreakerStates[k] = v
	}
	return snap
}

func appendSample(samples []time.Duration, d time.Duration, max int) []time.Duration {
	if len(samples) >= max {
		samples = samples[1:]
	}
	return append(samples, d)
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func averageMs(in map[string][]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, samples := range in {
		if len(samples) == 0 {
			continue
		}
		var total time.Duration
		for _, s := range samples {
			total += s
		}
		out[k] = float64(total.Milliseconds()) / float64(len(samples))
	}
	return out
}
