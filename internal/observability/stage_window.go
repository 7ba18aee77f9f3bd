package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Session lifecycle stages recorded by the session manager.
const (
	StagePermission   = "permission"
	StageAgentCreate  = "agent_create"
	StageContextBuild = "context_build"
	StageConnect      = "connect"
	StageStartTotal   = "start_total"
	StageEndGrace     = "end_grace"
	StagePersist      = "persist"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// StageWindow keeps the most recent latency samples per stage in a ring.
type StageWindow struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring
}

type ring struct {
	values []float64
	next   int
	full   bool
	last   float64
}

func (r *ring) samples() []float64 {
	n := r.next
	if r.full {
		n = len(r.values)
	}
	out := make([]float64, n)
	copy(out, r.values[:n])
	return out
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{size: size, rings: make(map[string]*ring)}
}

func (w *StageWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.values[r.next] = ms
	r.last = ms
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

func (w *StageWindow) Snapshot() StageSnapshot {
	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	if w == nil {
		return snap
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap.WindowSize = w.size

	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vals := w.rings[name].samples()
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		total := 0.0
		for _, v := range vals {
			total += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       name,
			Samples:     len(vals),
			LastMS:      round2(w.rings[name].last),
			AvgMS:       round2(total / float64(len(vals))),
			P50MS:       round2(percentile(vals, 0.50)),
			P95MS:       round2(percentile(vals, 0.95)),
			BudgetP95MS: stageBudgetMS(name),
		})
	}
	return snap
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageBudgetMS(stage string) float64 {
	switch stage {
	case StageContextBuild:
		return 3000
	case StageConnect:
		return 5000
	case StageStartTotal:
		return 8000
	case StagePersist:
		return 2000
	default:
		return 0
	}
}
