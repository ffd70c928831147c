package pipeline

import (
	"sync"
	"time"
)

type (
	// IngestionError is one entry of the status error history.
	IngestionError struct {
		Time      time.Time `json:"time"`
		DatasetID string    `json:"dataset_id"`
		Message   string    `json:"message"`
	}

	// IngestionStatus is a point-in-time snapshot of pipeline activity
	// since process start.
	IngestionStatus struct {
		LastRun           *time.Time       `json:"last_run"`
		DatasetsProcessed int64            `json:"datasets_processed"`
		TotalRecords      int64            `json:"total_records"`
		Errors            []IngestionError `json:"errors"`
	}
)

// ingestionStatus accumulates run outcomes behind its own lock so batch
// workers can report concurrently.
type ingestionStatus struct {
	mu                sync.Mutex
	lastRun           time.Time
	datasetsProcessed int64
	totalRecords      int64
	errors            []IngestionError
}

func (s *ingestionStatus) record(res *DatasetResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRun = time.Now()
	s.datasetsProcessed++
	s.totalRecords += res.RecordsProcessed

	if !res.Success {
		s.errors = append(s.errors, IngestionError{
			Time:      s.lastRun,
			DatasetID: res.DatasetID,
			Message:   res.Error,
		})

		if len(s.errors) > maxStatusErrors {
			s.errors = s.errors[len(s.errors)-maxStatusErrors:]
		}
	}
}

func (s *ingestionStatus) snapshot() *IngestionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &IngestionStatus{
		DatasetsProcessed: s.datasetsProcessed,
		TotalRecords:      s.totalRecords,
		Errors:            make([]IngestionError, len(s.errors)),
	}
	copy(snap.Errors, s.errors)

	if !s.lastRun.IsZero() {
		last := s.lastRun
		snap.LastRun = &last
	}

	return snap
}
