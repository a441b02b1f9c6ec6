// Package notices carries user-facing status messages from the orchestrator
// to HTTP responses and live websocket subscribers.
package notices

import (
	"sync"
	"time"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notice struct {
	Level   Level     `json:"level"`
	Action  string    `json:"action,omitempty"`
	Message string    `json:"message"`
	TxID    string    `json:"txId,omitempty"`
	TxHash  string    `json:"txHash,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier receives notices as they are produced.
type Notifier interface {
	Notify(Notice)
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(Notice) {}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}
