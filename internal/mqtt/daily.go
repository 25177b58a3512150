package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/hass-insights/internal/insight"
)

// DailyCycles counts cycle outcomes since local midnight. It implements
// insight.Observer and is safe for concurrent use.
type DailyCycles struct {
	mu       sync.Mutex
	cycles   int64
	failures int64
	skipped  int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	nowFunc  func() time.Time
}

// NewDailyCycles creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyCycles(loc *time.Location) *DailyCycles {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCycles{loc: loc, nowFunc: time.Now}
	d.resetDay = d.nowFunc().In(loc).YearDay()
	return d
}

// CycleFinished counts a finished cycle. Blocked and failed cycles
// both count as failures; no-op and cancelled cycles are ignored.
func (d *DailyCycles) CycleFinished(rep insight.CycleReport) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch rep.Outcome {
	case insight.OutcomeSuccess, insight.OutcomePartial:
		d.cycles++
	case insight.OutcomeFailed, insight.OutcomeBlocked:
		d.cycles++
		d.failures++
	}
}

// TickSkipped counts a tick dropped by the overlap guard.
func (d *DailyCycles) TickSkipped(time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.skipped++
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyCycles) Snapshot() (cycles, failures, skipped int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.cycles, d.failures, d.skipped
}

// maybeReset zeroes the counters if the local day has changed. Must be
// called with d.mu held.
func (d *DailyCycles) maybeReset() {
	today := d.nowFunc().In(d.loc).YearDay()
	if today != d.resetDay {
		d.cycles = 0
		d.failures = 0
		d.skipped = 0
		d.resetDay = today
	}
}
