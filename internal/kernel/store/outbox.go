package store

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Outbox is the write-only notification channel the kernel posts escalations,
// human-checkpoint questions and terminal outcomes to. Posting is
// fire-and-forget: a failed post is the caller's warning, never its error.
type Outbox interface {
	Post(event map[string]any) error
}

// FileOutbox appends NDJSON events to a single file.
type FileOutbox struct {
	Path string

	mu sync.Mutex
}

func (o *FileOutbox) Post(event map[string]any) error {
	if event == nil {
		event = map[string]any{}
	}
	if _, ok := event["ts"]; !ok {
		event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(b, '\n'))
	return err
}

// DiscardOutbox drops every event. Used when no channel is configured.
type DiscardOutbox struct{}

func (DiscardOutbox) Post(map[string]any) error { return nil }
