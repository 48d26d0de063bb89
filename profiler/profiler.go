// Package profiler - per-stage timing of the detection pipeline.
package profiler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeTracker tracks timing statistics of one stage.
type TimeTracker struct {
	Name      string
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// Average returns the mean duration, or 0 when nothing was recorded.
func (t TimeTracker) Average() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.TotalTime / time.Duration(t.Count)
}

// StageProfiler accumulates durations per named stage. It is safe for
// concurrent use. A nil *StageProfiler records nothing.
type StageProfiler struct {
	mu     sync.Mutex
	stages map[string]*TimeTracker
}

// NewStageProfiler creates an empty profiler.
func NewStageProfiler() *StageProfiler {
	return &StageProfiler{stages: make(map[string]*TimeTracker)}
}

// Record adds one observation of stage.
func (p *StageProfiler) Record(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.stages[stage]
	if !ok {
		t = &TimeTracker{Name: stage, MinTime: d, MaxTime: d}
		p.stages[stage] = t
	}
	t.Count++
	t.TotalTime += d
	if d < t.MinTime {
		t.MinTime = d
	}
	if d > t.MaxTime {
		t.MaxTime = d
	}
}

// Time runs fn and records its duration under stage, whether or not fn fails.
//
// Arguments:
//   - stage: The stage name, e.g. "priors" or "nms".
//   - fn: The work to time.
//
// Returns:
//   - The error returned by fn.
func (p *StageProfiler) Time(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.Record(stage, time.Since(start))
	return err
}

// Snapshot returns a copy of every stage's statistics, sorted by name.
func (p *StageProfiler) Snapshot() []TimeTracker {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TimeTracker, 0, len(p.stages))
	for _, t := range p.stages {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report logs every stage at info level.
func (p *StageProfiler) Report(logger *zap.Logger) {
	for _, t := range p.Snapshot() {
		logger.Info("stage timing",
			zap.String("stage", t.Name),
			zap.Int64("count", t.Count),
			zap.Duration("avg", t.Average()),
			zap.Duration("min", t.MinTime),
			zap.Duration("max", t.MaxTime))
	}
}
