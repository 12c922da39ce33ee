// Package core holds the domain model shared by every stage of a table sync:
// jobs, chunks, watermarks, stats records and the error taxonomy.
package core

import (
	"fmt"
	"strings"
	"time"
)

// LoadType selects replace or append semantics for a job.
type LoadType string

const (
	LoadFull  LoadType = "FULL"
	LoadDelta LoadType = "DELTA"
)

// ParseLoadType accepts FULL or DELTA in any case.
func ParseLoadType(raw string) (LoadType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(LoadFull), "":
		return LoadFull, nil
	case string(LoadDelta):
		return LoadDelta, nil
	}
	return "", fmt.Errorf("unknown load type %q", raw)
}

// JobState is the orchestrator state of a SyncJob.
type JobState string

const (
	StatePlanned    JobState = "PLANNED"
	StateExtracting JobState = "EXTRACTING"
	StateStaging    JobState = "STAGING"
	StateLoading    JobState = "LOADING"
	StateValidating JobState = "VALIDATING"
	StateComplete   JobState = "COMPLETE"
	StateFailed     JobState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// ChunkStatus tracks one chunk through extraction, staging and load.
type ChunkStatus string

const (
	ChunkPlanned   ChunkStatus = "PLANNED"
	ChunkExtracted ChunkStatus = "EXTRACTED"
	ChunkStaged    ChunkStatus = "STAGED"
	ChunkLoaded    ChunkStatus = "LOADED"
	ChunkFailed    ChunkStatus = "FAILED"
)

// TableSpec is one entry of the configured table list.
type TableSpec struct {
	SourceSchema string   `toml:"source_schema" json:"sourceSchema"`
	SourceTable  string   `toml:"source_table" json:"sourceTable"`
	TargetSchema string   `toml:"target_schema" json:"targetSchema"`
	TargetTable  string   `toml:"target_table" json:"targetTable"`
	LoadType     LoadType `toml:"load_type" json:"loadType"`
	DeltaColumn  string   `toml:"delta_column" json:"deltaColumn,omitempty"`
	PKColumn     string   `toml:"pk_column" json:"pkColumn,omitempty"`
	// DateColumn is checked for values later than the load time; it defaults to DeltaColumn.
	DateColumn   string   `toml:"date_column" json:"dateColumn,omitempty"`
	Enabled      bool     `toml:"enabled" json:"enabled"`

	// Quality inputs. Which columns are aggregated is configuration, not policy.
	AggregateColumns []string `toml:"aggregate_columns" json:"aggregateColumns,omitempty"`
	NullCheckColumns []string `toml:"null_check_columns" json:"nullCheckColumns,omitempty"`
}

// Key is the table name used for watermarks and locks.
func (s TableSpec) Key() string {
	return QualifiedName(s.SourceSchema, s.SourceTable)
}

// Source returns the qualified source table.
func (s TableSpec) Source() TableRef {
	return TableRef{Schema: s.SourceSchema, Name: s.SourceTable}
}

// Target returns the qualified destination table, defaulting to the source names.
func (s TableSpec) Target() TableRef {
	ref := TableRef{Schema: s.TargetSchema, Name: s.TargetTable}
	if ref.Schema == "" {
		ref.Schema = s.SourceSchema
	}
	if ref.Name == "" {
		ref.Name = s.SourceTable
	}
	return ref
}

// Validate checks the spec is runnable.
func (s TableSpec) Validate() error {
	if s.SourceTable == "" {
		return fmt.Errorf("source_table is required")
	}
	switch s.LoadType {
	case LoadFull, LoadDelta:
	default:
		return fmt.Errorf("table %s: unknown load type %q", s.Key(), s.LoadType)
	}
	if s.LoadType == LoadDelta && s.DeltaColumn == "" {
		return fmt.Errorf("table %s: DELTA load requires delta_column", s.Key())
	}
	return nil
}

// TableRef names a schema-qualified table.
type TableRef struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

func (t TableRef) String() string { return QualifiedName(t.Schema, t.Name) }

// QualifiedName joins schema and table, omitting an empty schema.
func QualifiedName(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

// Column describes one source column.
type Column struct {
	Name      string `json:"name"`
	DataType  string `json:"dataType"`
	Nullable  bool   `json:"nullable"`
	Length    int    `json:"length,omitempty"`
	Precision int    `json:"precision,omitempty"`
	Scale     int    `json:"scale,omitempty"`
	Position  int    `json:"position"`
}

// SyncJob is one synchronization run for one table.
type SyncJob struct {
	RunID    string    `json:"runId"`
	Spec     TableSpec `json:"spec"`
	LoadType LoadType  `json:"loadType"`
	State    JobState  `json:"state"`

	// Plan parameters. Chunks are recomputed from these on resume.
	Extent       Range     `json:"extent"`
	ExpectedRows int64     `json:"expectedRows"`
	ChunkSize    int64     `json:"chunkSize"`
	Sampled      bool      `json:"sampled"`
	Snapshot     time.Time `json:"snapshot"`
	Columns      []Column  `json:"columns,omitempty"`

	Chunks []Chunk `json:"-"`

	RowsRead     int64 `json:"rowsRead"`
	RowsLoaded   int64 `json:"rowsLoaded"`
	RowsRejected int64 `json:"rowsRejected"`

	// Loaded is set once the bulk ingest committed.
	Loaded bool `json:"loaded"`
	// WatermarkPending marks a job whose data landed but whose watermark write failed.
	WatermarkPending bool `json:"watermarkPending"`

	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
	// Warnings lists quality checks outside tolerance and failed probes.
	Warnings  []string  `json:"warnings,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Table returns the job's table key.
func (j *SyncJob) Table() string { return j.Spec.Key() }

// DeltaColumn returns the delta column of a DELTA job.
func (j *SyncJob) DeltaColumn() string {
	if j.LoadType != LoadDelta {
		return ""
	}
	return j.Spec.DeltaColumn
}

// DateColumn is the column checked for future dates at load time.
func (j *SyncJob) DateColumn() string {
	if j.Spec.DateColumn != "" {
		return j.Spec.DateColumn
	}
	return j.Spec.DeltaColumn
}

// ExtractedRows sums the per-chunk row counts.
func (j *SyncJob) ExtractedRows() int64 {
	var total int64
	for _, c := range j.Chunks {
		total += c.RowCount
	}
	return total
}

// AllStaged reports whether every chunk reached STAGED or later.
func (j *SyncJob) AllStaged() bool {
	for _, c := range j.Chunks {
		if c.Status != ChunkStaged && c.Status != ChunkLoaded {
			return false
		}
	}
	return true
}

// Chunk is a bounded sub-range of a job's extent.
type Chunk struct {
	Index    int         `json:"index"`
	Range    Range       `json:"range"`
	Status   ChunkStatus `json:"status"`
	RowCount int64       `json:"rowCount"`
	Location string      `json:"location,omitempty"`
	Checksum string      `json:"checksum,omitempty"`
	Size     int64       `json:"size,omitempty"`
}

// Watermark is the durable cursor of a table.
type Watermark struct {
	Table           string    `json:"table"`
	LastLoadType    LoadType  `json:"lastLoadType"`
	LastDeltaColumn string    `json:"lastDeltaColumn,omitempty"`
	LastDeltaValue  time.Time `json:"lastDeltaValue"`
	LastMaxID       int64     `json:"lastMaxId"`
	LastRowCount    int64     `json:"lastRowCount"`
	LastBatchID     string    `json:"lastBatchId"`
	LastSuccessAt   time.Time `json:"lastSuccessAt"`
}

// Advance merges next over w without moving the delta value or max id backwards.
func (w *Watermark) Advance(next Watermark) Watermark {
	if w == nil {
		return next
	}
	if next.LastDeltaValue.Before(w.LastDeltaValue) {
		next.LastDeltaValue = w.LastDeltaValue
	}
	if next.LastMaxID < w.LastMaxID {
		next.LastMaxID = w.LastMaxID
	}
	return next
}

// LoadStatsRecord is the append-only outcome of one job.
type LoadStatsRecord struct {
	RunID            string
	PipelineName     string
	TriggerType      string
	SourceSystemID   string
	SourceSystemName string
	RunStartedAt     time.Time
	RunEndedAt       time.Time
	SourceSchema     string
	SourceTable      string
	TargetSchema     string
	TargetTable      string
	LoadType         LoadType
	DeltaColumn      string
	DeltaStart       time.Time
	DeltaEnd         time.Time
	RowsRead         int64
	RowsLoaded       int64
	RowsRejected     int64
	ChunksProcessed  int
	Sampled          bool
	DurationMillis   int64
	Success          bool
	ErrorMessage     string
}

// CheckType names a quality check.
type CheckType string

const (
	CheckRowCount  CheckType = "ROW_COUNT"
	CheckAggregate CheckType = "AGGREGATE_SUM"
	CheckNulls     CheckType = "NULL_COUNT"
)

// QualityCheckResult is the append-only outcome of one quality check.
type QualityCheckResult struct {
	RunID             string
	Table             string
	CheckType         CheckType
	Column            string
	SourceValue       float64
	TargetValue       float64
	Difference        float64
	DifferencePercent float64
	Tolerance         float64
	Passed            bool
	CheckedAt         time.Time
}
