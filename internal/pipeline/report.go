package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"lesionseg/internal/memo"
)

// ReportFileName is the run report written next to the published results.
const ReportFileName = "run_report.json"

// Collector accumulates the invocation records of one pipeline run and
// renders them as a JSON report. Attach Record as the invoker's observer.
type Collector struct {
	mu      sync.Mutex
	runID   string
	started time.Time
	records []memo.InvocationRecord
}

// NewCollector creates a collector with a fresh run identifier.
func NewCollector() *Collector {
	return &Collector{runID: uuid.NewString(), started: time.Now().UTC()}
}

// RunID returns the run identifier.
func (c *Collector) RunID() string { return c.runID }

// Record appends one invocation record. Safe for concurrent use.
func (c *Collector) Record(rec memo.InvocationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

// report is the serialized form of a finished run.
type report struct {
	RunID        string                  `json:"run_id"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
	Sequences    map[string]string       `json:"sequences"`
	Segmentation string                  `json:"segmentation"`
	Probability  string                  `json:"probability"`
	Invocations  []memo.InvocationRecord `json:"invocations"`
	CacheHits    int                     `json:"cache_hits"`
	Executions   int                     `json:"executions"`
}

// Write renders the report into outputDir, replacing any previous report.
func (c *Collector) Write(outputDir string, sequences SequenceSet, segmentation, probability string) error {
	c.mu.Lock()
	records := append([]memo.InvocationRecord(nil), c.records...)
	c.mu.Unlock()

	r := report{
		RunID:        c.runID,
		StartedAt:    c.started,
		FinishedAt:   time.Now().UTC(),
		Sequences:    sequences,
		Segmentation: segmentation,
		Probability:  probability,
		Invocations:  records,
	}
	for _, rec := range records {
		if rec.FromCache {
			r.CacheHits++
		} else {
			r.Executions++
		}
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(outputDir, ReportFileName)
	tmp, err := os.CreateTemp(outputDir, ReportFileName+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
