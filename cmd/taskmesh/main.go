package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/daemon"
	"github.com/taskmesh/taskmesh/internal/plan"
	"github.com/taskmesh/taskmesh/internal/watcher"
)

var (
	app        = kingpin.New("taskmesh", "Event-driven orchestration engine for tool-using agents")
	configPath = app.Flag("config", "Path to the configuration file").Default("taskmesh.yaml").String()

	startCmd = app.Command("start", "Start the taskmesh daemon")

	submitCmd  = app.Command("submit", "Submit a task file to a running daemon")
	submitFile = submitCmd.Arg("file", "Task submission YAML").Required().ExistingFile()

	validateCmd  = app.Command("validate", "Validate a task file without submitting it")
	validateFile = validateCmd.Arg("file", "Task submission YAML").Required().ExistingFile()

	respondCmd     = app.Command("respond", "Answer a pending human interrupt")
	respondEventID = respondCmd.Flag("to", "Event id of the interrupt").Required().String()
	respondTask    = respondCmd.Flag("task", "Task id").String()
	respondSubtask = respondCmd.Flag("subtask", "Subtask id").String()
	respondMessage = respondCmd.Arg("message", "The answer").Required().String()

	statusCmd  = app.Command("status", "Show plan status")
	statusTask = statusCmd.Arg("task", "Task id (all tasks when omitted)").String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := daemon.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	switch command {
	case startCmd.FullCommand():
		handleStart(cfg)
	case submitCmd.FullCommand():
		handleSubmit(cfg, *submitFile)
	case validateCmd.FullCommand():
		handleValidate(*validateFile)
	case respondCmd.FullCommand():
		handleRespond(cfg, *respondEventID, *respondTask, *respondSubtask, *respondMessage)
	case statusCmd.FullCommand():
		handleStatus(cfg, *statusTask)
	}
}

func handleStart(cfg *daemon.Config) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	engineCfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	d, err := daemon.New(cfg, engineCfg, nil, logger)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		fatal(err)
	}
	fmt.Println("daemon stopped")
}

func handleSubmit(cfg *daemon.Config, path string) {
	sub, err := watcher.ParseSubmission(path)
	if err != nil {
		fatal(err)
	}
	if sub.TaskID == "" {
		sub.TaskID = uuid.NewString()
	}

	data, err := yaml.Marshal(sub)
	if err != nil {
		fatal(err)
	}
	if err := dropFile(cfg.TasksDir(), sub.TaskID+".yaml", data); err != nil {
		fatal(err)
	}
	color.Green("submitted task %s (%d subtasks)", sub.TaskID, len(sub.Plan.Subtasks))
}

func handleValidate(path string) {
	sub, err := watcher.ParseSubmission(path)
	if err != nil {
		color.Red("invalid: %v", err)
		os.Exit(1)
	}
	color.Green("valid: %d subtasks", len(sub.Plan.Subtasks))
}

func handleRespond(cfg *daemon.Config, eventID, taskID, subtaskID, message string) {
	resp := watcher.Response{
		TaskID:            taskID,
		SubtaskID:         subtaskID,
		ResponseToEventID: eventID,
		Response:          message,
	}
	data, err := yaml.Marshal(resp)
	if err != nil {
		fatal(err)
	}
	name := fmt.Sprintf("response-%d.yaml", time.Now().UnixNano())
	if err := dropFile(cfg.ResponsesDir(), name, data); err != nil {
		fatal(err)
	}
	color.Green("response submitted for event %s", eventID)
}

func handleStatus(cfg *daemon.Config, taskID string) {
	repo := plan.NewYAMLRepository(cfg.PlansDir())
	plans, err := repo.Load()
	if err != nil {
		fatal(err)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })

	found := false
	for _, p := range plans {
		if taskID != "" && p.ID != taskID {
			continue
		}
		found = true
		printPlan(p)
	}
	if !found {
		if taskID != "" {
			color.Red("no plan found for task %s", taskID)
			os.Exit(1)
		}
		fmt.Println("no tasks")
	}
}

func printPlan(p *plan.Plan) {
	bold := color.New(color.Bold)
	bold.Printf("%s  %s\n", p.ID, p.Title)

	ids := make([]string, 0, len(p.Subtasks))
	for id := range p.Subtasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sub := p.Subtasks[id]
		fmt.Printf("  %-24s %-16s %s\n", sub.ID, colorStatus(sub.Status), sub.Name)
		if sub.Error != "" {
			color.Red("    error: %s", sub.Error)
		}
		if sub.Status == plan.StatusWaitingHuman && sub.Notes != "" {
			color.Yellow("    question: %s", sub.Notes)
		}
	}
}

func colorStatus(s plan.Status) string {
	switch s {
	case plan.StatusCompleted:
		return color.GreenString(string(s))
	case plan.StatusFailed:
		return color.RedString(string(s))
	case plan.StatusRunning:
		return color.CyanString(string(s))
	case plan.StatusWaitingHuman:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// dropFile writes atomically into a watched directory: a dot-prefixed
// temp file first, then a rename, so the watcher never reads a partial
// file.
func dropFile(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
