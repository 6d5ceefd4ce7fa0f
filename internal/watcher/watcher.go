// Package watcher ingests work from the filesystem: task submissions
// dropped into the tasks directory become task creation events, and
// answer files dropped into the responses directory resume suspended
// subtasks.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/internal/event"
	"github.com/taskmesh/taskmesh/internal/plan"
)

const source = "watcher"

// Submission is the on-disk format of a task drop.
type Submission struct {
	TaskID string          `yaml:"task_id,omitempty"`
	Prompt string          `yaml:"prompt,omitempty"`
	Plan   plan.Definition `yaml:"plan"`
}

// Response is the on-disk format of a human answer to an interrupt.
type Response struct {
	TaskID            string `yaml:"task_id"`
	SubtaskID         string `yaml:"subtask_id"`
	ResponseToEventID string `yaml:"response_to_event_id"`
	Response          string `yaml:"response"`
}

// Publisher is the slice of the bus the watcher needs.
type Publisher interface {
	Publish(ctx context.Context, source string, payload event.Payload) (string, error)
}

// Watcher converts dropped YAML files into events. Processed files are
// moved aside so restarts and duplicate fsnotify events are harmless.
type Watcher struct {
	tasksDir     string
	responsesDir string
	publisher    Publisher
	logger       *slog.Logger
}

func New(tasksDir, responsesDir string, publisher Publisher, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		tasksDir:     tasksDir,
		responsesDir: responsesDir,
		publisher:    publisher,
		logger:       logger.With("component", "watcher"),
	}
}

// Run watches both directories until ctx is cancelled. Files already
// present at startup are ingested first.
func (w *Watcher) Run(ctx context.Context) error {
	for _, dir := range []string{w.tasksDir, w.responsesDir} {
		for _, sub := range []string{"", "processed", "rejected"} {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
				return fmt.Errorf("failed to create watch directory: %w", err)
			}
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.tasksDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.tasksDir, err)
	}
	if err := fsw.Add(w.responsesDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.responsesDir, err)
	}

	w.ingestBacklog(ctx)
	w.logger.Info("watching for drops", "tasks_dir", w.tasksDir, "responses_dir", w.responsesDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			w.ingest(ctx, ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) ingestBacklog(ctx context.Context) {
	for _, dir := range []string{w.tasksDir, w.responsesDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.logger.Warn("failed to scan backlog", "dir", dir, "error", err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			w.ingest(ctx, filepath.Join(dir, e.Name()))
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	if !isDrop(path) {
		return
	}
	var err error
	switch filepath.Dir(path) {
	case w.tasksDir:
		err = w.ingestSubmission(ctx, path)
	case w.responsesDir:
		err = w.ingestResponse(ctx, path)
	default:
		return
	}
	if err != nil {
		if os.IsNotExist(err) {
			// Already ingested via an earlier fsnotify event.
			return
		}
		w.logger.Error("rejecting drop", "path", path, "error", err)
		w.moveTo(path, "rejected")
		return
	}
	w.moveTo(path, "processed")
}

func (w *Watcher) ingestSubmission(ctx context.Context, path string) error {
	var sub Submission
	if err := readYAML(path, &sub); err != nil {
		return err
	}
	if len(sub.Plan.Subtasks) == 0 {
		return fmt.Errorf("submission has no subtasks")
	}
	if err := plan.Validate(sub.Plan); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	if sub.TaskID == "" {
		sub.TaskID = uuid.NewString()
	}
	_, err := w.publisher.Publish(ctx, source, event.TaskCreated{
		TaskID:      sub.TaskID,
		UserPrompt:  sub.Prompt,
		InitialPlan: sub.Plan,
	})
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	w.logger.Info("task submitted", "task_id", sub.TaskID, "path", path)
	return nil
}

func (w *Watcher) ingestResponse(ctx context.Context, path string) error {
	var resp Response
	if err := readYAML(path, &resp); err != nil {
		return err
	}
	if resp.ResponseToEventID == "" {
		return fmt.Errorf("response_to_event_id is required")
	}
	_, err := w.publisher.Publish(ctx, source, event.HumanInputProvided{
		TaskID:            resp.TaskID,
		SubtaskID:         resp.SubtaskID,
		ResponseToEventID: resp.ResponseToEventID,
		UserResponse:      resp.Response,
	})
	if err != nil {
		return fmt.Errorf("failed to publish response: %w", err)
	}
	w.logger.Info("human response submitted",
		"response_to_event_id", resp.ResponseToEventID, "path", path)
	return nil
}

func (w *Watcher) moveTo(path, sub string) {
	dest := filepath.Join(filepath.Dir(path), sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to move drop", "path", path, "error", err)
	}
}

// ParseSubmission reads and validates a submission file without
// publishing it. Used by the CLI validate command.
func ParseSubmission(path string) (*Submission, error) {
	var sub Submission
	if err := readYAML(path, &sub); err != nil {
		return nil, err
	}
	if len(sub.Plan.Subtasks) == 0 {
		return nil, fmt.Errorf("submission has no subtasks")
	}
	if err := plan.Validate(sub.Plan); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &sub, nil
}

func isDrop(path string) bool {
	base := filepath.Base(path)
	if base == "" || base[0] == '.' {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
