package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/event"
)

type fakePublisher struct {
	mu       sync.Mutex
	payloads []event.Payload
}

func (p *fakePublisher) Publish(ctx context.Context, source string, payload event.Payload) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return "evt-1", nil
}

func (p *fakePublisher) snapshot() []event.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Payload(nil), p.payloads...)
}

// writeDrop writes atomically, the way the CLI drops files: temp name
// first, then rename, so the watcher never sees a partial file.
func writeDrop(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := filepath.Join(dir, "."+name)
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

const validSubmission = `
task_id: t1
prompt: do it
plan:
  title: doing it
  subtasks:
    - id: a
      name: only step
`

func startWatcher(t *testing.T) (*Watcher, *fakePublisher, string, string) {
	t.Helper()
	base := t.TempDir()
	tasksDir := filepath.Join(base, "tasks")
	responsesDir := filepath.Join(base, "responses")
	pub := &fakePublisher{}
	w := New(tasksDir, responsesDir, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	// Wait for the drop directories to exist before writing into them.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(tasksDir, "processed"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return w, pub, tasksDir, responsesDir
}

func TestWatcherIngestsSubmission(t *testing.T) {
	_, pub, tasksDir, _ := startWatcher(t)

	writeDrop(t, tasksDir, "t1.yaml", validSubmission)

	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	created := pub.snapshot()[0].(event.TaskCreated)
	assert.Equal(t, "t1", created.TaskID)
	assert.Equal(t, "do it", created.UserPrompt)
	require.Len(t, created.InitialPlan.Subtasks, 1)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(tasksDir, "processed", "t1.yaml"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIngestsBacklog(t *testing.T) {
	base := t.TempDir()
	tasksDir := filepath.Join(base, "tasks")
	require.NoError(t, os.MkdirAll(tasksDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tasksDir, "old.yaml"), []byte(validSubmission), 0o644))

	pub := &fakePublisher{}
	w := New(tasksDir, filepath.Join(base, "responses"), pub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRejectsInvalidSubmission(t *testing.T) {
	_, pub, tasksDir, _ := startWatcher(t)

	writeDrop(t, tasksDir, "bad.yaml", `
plan:
  subtasks:
    - id: a
      depends_on: [ghost]
`)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(tasksDir, "rejected", "bad.yaml"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, pub.snapshot())
}

func TestWatcherIgnoresHiddenAndForeignFiles(t *testing.T) {
	_, pub, tasksDir, _ := startWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(tasksDir, ".partial.yaml"), []byte(validSubmission), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tasksDir, "notes.txt"), []byte("hi"), 0o644))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, pub.snapshot())
}

func TestWatcherIngestsResponse(t *testing.T) {
	_, pub, _, responsesDir := startWatcher(t)

	writeDrop(t, responsesDir, "r1.yaml", `
task_id: t1
subtask_id: a
response_to_event_id: evt-9
response: yes, proceed
`)

	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	provided := pub.snapshot()[0].(event.HumanInputProvided)
	assert.Equal(t, "evt-9", provided.ResponseToEventID)
	assert.Equal(t, "yes, proceed", provided.UserResponse)
}

func TestParseSubmission(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(validSubmission), 0o644))
	sub, err := ParseSubmission(good)
	require.NoError(t, err)
	assert.Equal(t, "t1", sub.TaskID)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("prompt: nothing\n"), 0o644))
	_, err = ParseSubmission(empty)
	assert.Error(t, err)

	cyclic := filepath.Join(dir, "cyclic.yaml")
	require.NoError(t, os.WriteFile(cyclic, []byte(`
plan:
  subtasks:
    - id: a
      depends_on: [b]
    - id: b
      depends_on: [a]
`), 0o644))
	_, err = ParseSubmission(cyclic)
	assert.Error(t, err)
}
