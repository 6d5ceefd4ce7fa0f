package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditLogger appends every published envelope to a date-partitioned
// NDJSON file, giving operators a replayable record of bus traffic.
type AuditLogger struct {
	logDir string
	mu     sync.Mutex
}

// NewAuditLogger creates an audit logger writing under logDir.
func NewAuditLogger(logDir string) (*AuditLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &AuditLogger{logDir: logDir}, nil
}

// Log appends one envelope to today's log file.
func (a *AuditLogger) Log(env *Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := struct {
		*Envelope
		LoggedAt string `json:"logged_at"`
	}{
		Envelope: env,
		LoggedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	file, err := os.OpenFile(a.filePath(env.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// ReadDay returns all envelopes logged on the given day, oldest first.
func (a *AuditLogger) ReadDay(day time.Time) ([]*Envelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.filePath(day))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	var envs []*Envelope
	for _, line := range bytes.Split(content, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("failed to parse audit entry: %w", err)
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

func (a *AuditLogger) filePath(t time.Time) string {
	return filepath.Join(a.logDir, "events-"+t.UTC().Format("2006-01-02")+".ndjson")
}
