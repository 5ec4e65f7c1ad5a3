package transfer

import "time"

// Stage identifies the phase a transfer status event reports.
type Stage string

const (
	// StageStarted is emitted once when a transfer begins.
	StageStarted Stage = "started"
	// StageProgress is emitted periodically while bytes move.
	StageProgress Stage = "progress"
	// StageCompleted is emitted when a transfer (or one connection's
	// contribution to it) finishes.
	StageCompleted Stage = "completed"
	// StageFailed is emitted when a transfer fails.
	StageFailed Stage = "failed"
)

// Status is one transfer event delivered to the configured callback.
// Events carry no ownership obligations; the callback runs on whichever
// goroutine produced the event and must not block for long.
type Status struct {
	Stage    Stage
	FileID   string
	FileName string
	FileSize uint64

	BytesTransferred uint64
	TotalBytes       uint64
	Percent          float64

	Elapsed        time.Duration
	ThroughputMBps float64

	Err error
}

// StatusCallback observes transfer lifecycle events.
type StatusCallback func(Status)

func (m *Manager) emit(status Status) {
	if m.cfg.Callback != nil {
		m.cfg.Callback(status)
	}
}
