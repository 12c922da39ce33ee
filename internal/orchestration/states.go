package orchestration

import (
	"sync"

	"github.com/nucleus/ucl-sync/internal/core"
)

// State is implemented by every job state. Each state exposes only the
// transitions it allows.
type State interface {
	Name() core.JobState
}

// failable is every non-terminal state.
type failable interface {
	State
	ToFailed() *FailedState
}

// PlannedState - chunk plan computed, nothing read yet
type PlannedState struct{}

func (s *PlannedState) Name() core.JobState { return core.StatePlanned }
func (s *PlannedState) ToExtracting() *ExtractingState {
	return &ExtractingState{}
}
func (s *PlannedState) ToFailed() *FailedState {
	return &FailedState{}
}

// ExtractingState - reading chunks, none extracted yet
type ExtractingState struct{}

func (s *ExtractingState) Name() core.JobState { return core.StateExtracting }
func (s *ExtractingState) ToStaging() *StagingState {
	return &StagingState{}
}
func (s *ExtractingState) ToFailed() *FailedState {
	return &FailedState{}
}

// StagingState - at least one chunk extracted; extraction and upload overlap
type StagingState struct{}

func (s *StagingState) Name() core.JobState { return core.StateStaging }
func (s *StagingState) ToLoading() *LoadingState {
	return &LoadingState{}
}
func (s *StagingState) ToFailed() *FailedState {
	return &FailedState{}
}

// LoadingState - every chunk staged, one bulk ingest in flight
type LoadingState struct{}

func (s *LoadingState) Name() core.JobState { return core.StateLoading }
func (s *LoadingState) ToValidating() *ValidatingState {
	return &ValidatingState{}
}
func (s *LoadingState) ToFailed() *FailedState {
	return &FailedState{}
}

// ValidatingState - data committed; quality checks and watermark pending
type ValidatingState struct{}

func (s *ValidatingState) Name() core.JobState { return core.StateValidating }
func (s *ValidatingState) ToComplete() *CompleteState {
	return &CompleteState{}
}
func (s *ValidatingState) ToFailed() *FailedState {
	return &FailedState{}
}

// Terminal States

// CompleteState - loaded and watermark advanced
type CompleteState struct{}

func (s *CompleteState) Name() core.JobState { return core.StateComplete }

// FailedState - stopped; the watermark did not move
type FailedState struct{}

func (s *FailedState) Name() core.JobState { return core.StateFailed }

// StateRecorder tracks transitions per run id for tests and diagnostics.
type StateRecorder struct {
	mu    sync.Mutex
	paths map[string][]core.JobState
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{paths: make(map[string][]core.JobState)}
}

func (r *StateRecorder) Record(runID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[runID] = append(r.paths[runID], state.Name())
}

// Path returns the states a run went through, in order.
func (r *StateRecorder) Path(runID string) []core.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.JobState(nil), r.paths[runID]...)
}
