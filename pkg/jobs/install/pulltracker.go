package install

import (
	"fmt"
	"strings"
)

// PullTracker folds Ollama's layered pull-progress frames into one
// monotonically non-decreasing percent. During download the percent stays in
// [1, 99); 99 and above are reserved for finalization and completion.
type PullTracker struct {
	layers      map[string]layerProgress
	lastPercent float64
	lastStatus  string
	lastBucket  int
}

type layerProgress struct {
	total     int64
	completed int64
}

// NewPullTracker creates an empty tracker.
func NewPullTracker() *PullTracker {
	return &PullTracker{layers: make(map[string]layerProgress), lastPercent: 1, lastBucket: -1}
}

// Observe folds one progress frame and reports whether the update is worth
// emitting: either the percent bucket moved or the status text changed.
func (t *PullTracker) Observe(status, digest string, total, completed int64) (percent float64, message string, emit bool) {
	if digest != "" && total > 0 {
		t.layers[digest] = layerProgress{total: total, completed: completed}
	}

	var sumTotal, sumCompleted int64
	for _, layer := range t.layers {
		sumTotal += layer.total
		sumCompleted += layer.completed
	}

	percent = t.lastPercent
	if sumTotal > 0 {
		raw := 1 + float64(sumCompleted)/float64(sumTotal)*98
		if raw >= 99 {
			raw = 98.9
		}
		if raw > percent {
			percent = raw
		}
	}
	t.lastPercent = percent

	message = describeStatus(status)
	bucket := int(percent)
	emit = bucket != t.lastBucket || message != t.lastStatus
	if emit {
		t.lastBucket = bucket
		t.lastStatus = message
	}
	return percent, message, emit
}

// Percent returns the current monotonic percent.
func (t *PullTracker) Percent() float64 {
	return t.lastPercent
}

// describeStatus compresses Ollama's per-layer status strings into stable
// user-facing messages so equality-based throttling works.
func describeStatus(status string) string {
	lower := strings.ToLower(status)
	switch {
	case strings.HasPrefix(lower, "pulling manifest"):
		return "Fetching manifest"
	case strings.HasPrefix(lower, "pulling"):
		return "Downloading model layers"
	case strings.HasPrefix(lower, "verifying"):
		return "Verifying download"
	case strings.HasPrefix(lower, "writing"):
		return "Writing model data"
	case lower == "success":
		return "Download complete"
	case status == "":
		return "Downloading"
	default:
		return fmt.Sprintf("Ollama: %s", status)
	}
}
