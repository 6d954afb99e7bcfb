package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ProgressReporter reports progress for long-running operations.
type ProgressReporter interface {
	Start(total int64)
	Update(current int64)
	Finish()
	Error(err error)
}

// LineProgress redraws one status line:
//
//	lookups 420000/1000000 (42.0%) 8400312/s eta 1s
type LineProgress struct {
	// Unit names what is counted. Defaults to "ops".
	Unit string
	// Interval throttles redraws. Zero redraws on every Update.
	Interval time.Duration

	mu       sync.Mutex
	w        io.Writer
	total    int64
	current  int64
	started  time.Time
	lastDraw time.Time
}

// NewProgressReporter returns a LineProgress writing to w, or to stderr
// when w is nil.
func NewProgressReporter(w io.Writer) *LineProgress {
	if w == nil {
		w = os.Stderr
	}
	return &LineProgress{w: w, Unit: "ops"}
}

// Start resets the counter for a run of total items.
func (p *LineProgress) Start(total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total, p.current = total, 0
	p.started = time.Now()
	p.draw(true)
}

// Update records progress. Values below the current one are ignored so
// concurrent workers may report out of order.
func (p *LineProgress) Update(current int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current < p.current {
		return
	}
	p.current = current
	p.draw(false)
}

// Finish draws the completed line and ends it.
func (p *LineProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = p.total
	if p.draw(true) {
		fmt.Fprintln(p.w)
	}
}

// Error ends the line with err.
func (p *LineProgress) Error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "\n✗ Error: %v\n", err)
}

func (p *LineProgress) draw(force bool) bool {
	if p.total <= 0 {
		return false
	}
	now := time.Now()
	if !force && p.Interval > 0 && now.Sub(p.lastDraw) < p.Interval {
		return false
	}
	p.lastDraw = now

	var rate float64
	if secs := now.Sub(p.started).Seconds(); secs > 0 {
		rate = float64(p.current) / secs
	}
	eta := "-"
	if rate > 0 && p.current < p.total {
		eta = time.Duration(float64(p.total-p.current) / rate * float64(time.Second)).Round(time.Second).String()
	}
	fmt.Fprintf(p.w, "\r%s %d/%d (%.1f%%) %.0f/s eta %s\x1b[K",
		p.Unit, p.current, p.total, float64(p.current)*100/float64(p.total), rate, eta)
	return true
}
