package data

import (
	"encoding/json"
	"errors"
	"io"
	"time"
)

// State is the snapshot handed to a download's callback. A consumer tells
// success from failure only by Progress == 100 on the terminal snapshot.
type State struct {
	Progress  int    `json:"progress"`
	Completed bool   `json:"completed"`
	Source    string `json:"source"`
}

// Succeeded reports whether s is a terminal snapshot of a successful download.
func (s State) Succeeded() bool { return s.Completed && s.Progress == 100 }

// Callback receives State snapshots for one download.
type Callback func(State)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "Queued"
	StatusRunning    TaskStatus = "Running"
	StatusCancelling TaskStatus = "Cancelling"
	StatusFinished   TaskStatus = "Finished"
)

// Outcome is the reason a task finished. It never reaches the callback;
// it is kept for history and metrics.
type Outcome string

const (
	OutcomeComplete        Outcome = "Complete"
	OutcomeFailed          Outcome = "Failed"
	OutcomeCancelled       Outcome = "Cancelled"
	OutcomePlacementFailed Outcome = "PlacementFailed"
)

// Task is a read-only view of a live download.
type Task struct {
	ID            string     `json:"id"`
	Source        string     `json:"source"`
	TargetPath    string     `json:"targetPath"`
	Status        TaskStatus `json:"status"`
	BytesWritten  int64      `json:"bytesWritten"`
	BytesExpected int64      `json:"bytesExpected"`
	Progress      int        `json:"progress"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type Tasks []*Task

// Record is a history entry for a finished download.
type Record struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	TargetPath string    `json:"targetPath"`
	Progress   int       `json:"progress"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

type Records []*Record

var (
	ErrNotFound      = errors.New("download not found")
	ErrInvalidSource = errors.New("source must be an absolute http(s) URL")
	ErrTargetPath    = errors.New("targetPath is required")
	ErrClosed        = errors.New("registry is shut down")
)

func (t *Tasks) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(t) }

func (t *Task) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(t) }

func (r *Record) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(r) }

func (r *Records) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(r) }

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Clone returns a deep copy of the list.
func (rs Records) Clone() Records {
	out := make(Records, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}
