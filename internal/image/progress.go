package image

import (
	"time"

	"github.com/docker/docker/pkg/jsonmessage"
)

// ProgressEvent is the throttled aggregate view of a pull emitted to
// channel listeners.
type ProgressEvent struct {
	Ref      string `json:"ref"`
	Status   string `json:"status"`
	Percent  int    `json:"percent"`
	Progress string `json:"progress,omitempty"`
	Cause    string `json:"cause,omitempty"`
}

// Emitter receives pull progress events. The gateway broadcasts them to
// connected sessions.
type Emitter func(ProgressEvent)

type layerProgress struct {
	current int64
	total   int64
}

// tracker aggregates per-layer progress from the daemon's jsonmessage
// stream into a monotonic percentage, emitting at most one near-duplicate
// event per throttle interval.
type tracker struct {
	ref      string
	emit     Emitter
	throttle time.Duration
	now      func() time.Time

	layers       map[string]layerProgress
	lastPercent  int
	lastStatus   string
	lastProgress string
	lastEmit     time.Time
}

func newTracker(ref string, emit Emitter, throttle time.Duration) *tracker {
	return &tracker{
		ref:      ref,
		emit:     emit,
		throttle: throttle,
		now:      time.Now,
		layers:   make(map[string]layerProgress),
	}
}

func (t *tracker) update(msg jsonmessage.JSONMessage) {
	progressText := ""
	if msg.ID != "" && msg.Progress != nil {
		t.layers[msg.ID] = layerProgress{current: msg.Progress.Current, total: msg.Progress.Total}
		progressText = msg.Progress.String()
	}

	percent := t.aggregatePercent()
	if percent < t.lastPercent {
		// A newly discovered layer grows the total; never regress.
		percent = t.lastPercent
	}

	statusChanged := msg.Status != t.lastStatus
	percentChanged := percent != t.lastPercent
	progressChanged := progressText != "" && progressText != t.lastProgress
	elapsed := t.now().Sub(t.lastEmit) >= t.throttle

	if !statusChanged && !percentChanged && !(progressChanged && elapsed) {
		return
	}

	t.lastStatus = msg.Status
	t.lastPercent = percent
	if progressText != "" {
		t.lastProgress = progressText
	}
	t.lastEmit = t.now()

	t.emit(ProgressEvent{
		Ref:      t.ref,
		Status:   msg.Status,
		Percent:  percent,
		Progress: progressText,
	})
}

// aggregatePercent sums min(current, total) over layers against the total,
// capped at 99 until the pull truly completes.
func (t *tracker) aggregatePercent() int {
	var current, total int64
	for _, l := range t.layers {
		c := l.current
		if c > l.total {
			c = l.total
		}
		current += c
		total += l.total
	}
	if total == 0 {
		return t.lastPercent
	}
	percent := int(current * 100 / total)
	if percent >= 100 {
		percent = 99
	}
	return percent
}

// complete force-emits the terminal 100% event.
func (t *tracker) complete() {
	t.lastPercent = 100
	t.emit(ProgressEvent{Ref: t.ref, Status: "complete", Percent: 100})
}

// failed emits a terminal event carrying the failure cause bucket.
func (t *tracker) failed(cause string) {
	t.emit(ProgressEvent{Ref: t.ref, Status: "failed", Percent: t.lastPercent, Cause: cause})
}
