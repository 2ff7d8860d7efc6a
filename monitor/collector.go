package monitor

import (
	"sync"
	"time"
)

// Collector receives pipeline and query observations. Implementations must
// be safe for concurrent use.
type Collector interface {
	IngestOutcome(status, reason string)
	StageLatency(stage string, d time.Duration)
	Retry(op string)
	SearchLatency(outcome string, d time.Duration)
	ConsistencyWarning(kind string)
	Repair(action string)
}

// Summary is a point-in-time view of an InMemoryCollector.
type Summary struct {
	Ingest      map[string]int
	Stages      map[string]StageSummary
	Retries     map[string]int
	Searches    map[string]int
	Warnings    map[string]int
	Repairs     map[string]int
	StartTime   time.Time
	CollectedAt time.Time
}

type StageSummary struct {
	Count int
	Total time.Duration
}

// InMemoryCollector keeps counters in maps. Used by tests and the CLI
// summary output.
type InMemoryCollector struct {
	mu        sync.RWMutex
	ingest    map[string]int
	stages    map[string]StageSummary
	retries   map[string]int
	searches  map[string]int
	warnings  map[string]int
	repairs   map[string]int
	startTime time.Time
}

func NewInMemoryCollector() *InMemoryCollector {
	c := &InMemoryCollector{}
	c.Reset()
	return c
}

func (c *InMemoryCollector) IngestOutcome(status, reason string) {
	key := status
	if reason != "" {
		key = status + "/" + reason
	}
	c.inc(c.ingest, key)
}

func (c *InMemoryCollector) StageLatency(stage string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stages[stage]
	s.Count++
	s.Total += d
	c.stages[stage] = s
}

func (c *InMemoryCollector) Retry(op string) {
	c.inc(c.retries, op)
}

func (c *InMemoryCollector) SearchLatency(outcome string, _ time.Duration) {
	c.inc(c.searches, outcome)
}

func (c *InMemoryCollector) ConsistencyWarning(kind string) {
	c.inc(c.warnings, kind)
}

func (c *InMemoryCollector) Repair(action string) {
	c.inc(c.repairs, action)
}

func (c *InMemoryCollector) inc(m map[string]int, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m[key]++
}

func (c *InMemoryCollector) Flush() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stages := make(map[string]StageSummary, len(c.stages))
	for k, v := range c.stages {
		stages[k] = v
	}
	return Summary{
		Ingest:      copyCounts(c.ingest),
		Stages:      stages,
		Retries:     copyCounts(c.retries),
		Searches:    copyCounts(c.searches),
		Warnings:    copyCounts(c.warnings),
		Repairs:     copyCounts(c.repairs),
		StartTime:   c.startTime,
		CollectedAt: time.Now(),
	}
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ingest = make(map[string]int)
	c.stages = make(map[string]StageSummary)
	c.retries = make(map[string]int)
	c.searches = make(map[string]int)
	c.warnings = make(map[string]int)
	c.repairs = make(map[string]int)
	c.startTime = time.Now()
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type NoOpCollector struct{}

func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (NoOpCollector) IngestOutcome(string, string) {}
func (NoOpCollector) StageLatency(string, time.Duration) {}
func (NoOpCollector) Retry(string) {}
func (NoOpCollector) SearchLatency(string, time.Duration) {}
func (NoOpCollector) ConsistencyWarning(string) {}
func (NoOpCollector) Repair(string) {}

// Multi fans observations out to several collectors.
type Multi []Collector

func (m Multi) IngestOutcome(status, reason string) {
	for _, c := range m {
		c.IngestOutcome(status, reason)
	}
}

func (m Multi) StageLatency(stage string, d time.Duration) {
	for _, c := range m {
		c.StageLatency(stage, d)
	}
}

func (m Multi) Retry(op string) {
	for _, c := range m {
		c.Retry(op)
	}
}

func (m Multi) SearchLatency(outcome string, d time.Duration) {
	for _, c := range m {
		c.SearchLatency(outcome, d)
	}
}

func (m Multi) ConsistencyWarning(kind string) {
	for _, c := range m {
		c.ConsistencyWarning(kind)
	}
}

func (m Multi) Repair(action string) {
	for _, c := range m {
		c.Repair(action)
	}
}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
