package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const runIDPrefix = "sync_"

// NewRunID returns a run id that sorts by creation time: sync_YYYYMMDD_HHMMSS_<8 hex>.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return runIDPrefix + now.UTC().Format("20060102_150405") + "_" + suffix
}

// RunIDTime recovers the creation time encoded in a run id.
func RunIDTime(runID string) (time.Time, bool) {
	if !strings.HasPrefix(runID, runIDPrefix) || len(runID) < len(runIDPrefix)+15 {
		return time.Time{}, false
	}
	ts, err := time.Parse("20060102_150405", runID[len(runIDPrefix):len(runIDPrefix)+15])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
