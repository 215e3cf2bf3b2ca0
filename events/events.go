// Package events appends structured records to a JSONL file for the
// dashboard and for post-mortems. One JSON object per line:
// {"ts":<unix>,"type":"...",...payload}.
package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ocobot/logger"
)

// Emitter writes event lines. Safe for concurrent use.
type Emitter struct {
	path string
	mu   sync.Mutex
}

// NewEmitter creates the runtime directory if needed.
func NewEmitter(path string) *Emitter {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warnf("⚠️  Failed to create event dir %s: %v", dir, err)
		}
	}
	return &Emitter{path: path}
}

// Emit appends one event. Emission is best-effort: a write failure is
// logged and never propagated to trading code.
func (e *Emitter) Emit(eventType string, payload map[string]interface{}) {
	line := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		line[k] = v
	}
	line["ts"] = time.Now().Unix()
	line["type"] = eventType

	data, err := json.Marshal(line)
	if err != nil {
		logger.Warnf("⚠️  Failed to marshal event %s: %v", eventType, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warnf("⚠️  Failed to open event log: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Warnf("⚠️  Failed to write event: %v", err)
	}
}
