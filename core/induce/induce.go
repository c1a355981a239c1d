// Package induce is a process-global error inducer used by tests to
// deterministically inject failures at named points inside the engine.
// It is inert unless a test activates a point.
package induce

import (
	"fmt"
	"sync"

	"github.com/calderadb/caldera/core/dberr"
)

// Point names a location in the engine where a failure can be injected.
type Point string

const (
	PointChangesetFlush Point = "changeset-flush"
	PointFileMmap       Point = "file-mmap"
	PointJournalAppend  Point = "journal-append"
)

var (
	mu     sync.Mutex
	points = make(map[Point]int)
)

// Activate arms a point. The failure fires on the countdown-th trigger
// (1 fires on the next trigger).
func Activate(p Point, countdown int) {
	mu.Lock()
	defer mu.Unlock()
	points[p] = countdown
}

// Reset disarms every point.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	points = make(map[Point]int)
}

// Trigger reports an induced I/O error if the point is armed and its
// countdown has elapsed.
func Trigger(p Point) error {
	mu.Lock()
	defer mu.Unlock()
	count, ok := points[p]
	if !ok {
		return nil
	}
	count--
	if count > 0 {
		points[p] = count
		return nil
	}
	delete(points, p)
	return fmt.Errorf("%w: induced failure at %q", dberr.ErrIO, p)
}
