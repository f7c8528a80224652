// Package storage provides database models and repositories for conversion jobs.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/convertx/internal/domain"
)

// Job is one conversion request: a set of files converted to a single target.
type Job struct {
	ID            uuid.UUID        `json:"id"`
	UserID        string           `json:"userId"`
	Status        domain.JobStatus `json:"status"`
	TargetFormat  string           `json:"targetFormat"`
	Engine        string           `json:"engine,omitempty"` // empty means auto-selected per file
	Options       json.RawMessage  `json:"options,omitempty"`
	NumFiles      int              `json:"numFiles"`
	FinishedFiles int              `json:"finishedFiles"`
	FailedFiles   int              `json:"failedFiles"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

// Progress returns the job's counters as a progress snapshot.
func (j *Job) Progress() domain.Progress {
	return domain.Progress{
		JobID:     j.ID.String(),
		Status:    j.Status,
		Total:     j.NumFiles,
		Finished:  j.FinishedFiles,
		Failed:    j.FailedFiles,
		Percent:   domain.Percent(j.FinishedFiles, j.NumFiles),
		UpdatedAt: j.UpdatedAt,
	}
}

// JobFile is one uploaded file inside a job.
type JobFile struct {
	ID             uuid.UUID         `json:"id"`
	JobID          uuid.UUID         `json:"jobId"`
	Position       int               `json:"position"`
	FileName       string            `json:"fileName"`
	SourceFormat   string            `json:"sourceFormat"`
	Engine         string            `json:"engine"`
	OutputFileName string            `json:"outputFileName,omitempty"`
	Status         domain.FileStatus `json:"status"`
	Error          string            `json:"error,omitempty"`
	Size           int64             `json:"size"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// Counts is the result of an atomic counter update on a job.
type Counts struct {
	Total    int
	Finished int
	Failed   int
}

// Complete reports whether every file has finished.
func (c Counts) Complete() bool {
	return c.Total > 0 && c.Finished >= c.Total
}
