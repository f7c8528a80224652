package domain

import "time"

// JobStatus is the lifecycle state of a conversion job.
type JobStatus string

const (
	// JobStatusNotStarted marks a job whose uploads are still being stored.
	JobStatusNotStarted JobStatus = "not_started"
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// FileStatus is the state of one file inside a job.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusDone       FileStatus = "done"
	FileStatusFailed     FileStatus = "failed"
)

// Finished reports whether the file counts towards job progress.
func (s FileStatus) Finished() bool {
	return s == FileStatusDone || s == FileStatusFailed
}

// Suggestion names an alternative engine/format pair for a rejected conversion.
type Suggestion struct {
	Engine string `json:"engine"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Progress is a point-in-time view of a job's completion.
type Progress struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	Finished  int       `json:"finished"`
	Failed    int       `json:"failed"`
	Percent   int       `json:"percent"`
	File      string    `json:"file,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Done reports whether the job has reached a terminal state.
func (p Progress) Done() bool {
	return p.Status.Terminal()
}

// Percent returns floor(100 * finished / total), or 0 for an empty job.
func Percent(finished, total int) int {
	if total <= 0 {
		return 0
	}
	if finished >= total {
		return 100
	}
	return finished * 100 / total
}
