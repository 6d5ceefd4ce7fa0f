package tool

import (
	"context"
	"fmt"
)

// Built-in tool names the engine relies on.
const (
	FinishToolName   = "finish"
	AskHumanToolName = "ask_human"
)

// FinishTool is the designated terminal tool. Calling it ends the
// subtask; the declared status decides whether the subtask completed or
// failed.
type FinishTool struct{}

func (t *FinishTool) Name() string { return FinishToolName }

func (t *FinishTool) Description() string {
	return "End the current subtask. Call with status \"success\" or \"failure\" and a short summary of the outcome."
}

func (t *FinishTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"status": map[string]any{
			"type":        "string",
			"enum":        []string{"success", "failure"},
			"description": "Whether the subtask succeeded.",
		},
		"summary": map[string]any{
			"type":        "string",
			"description": "Short summary of the outcome.",
		},
	}, []string{"status"}
}

func (t *FinishTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	status, _ := args["status"].(string)
	if status != "success" && status != "failure" {
		return &Result{Err: fmt.Sprintf("invalid status %q: must be \"success\" or \"failure\"", status)}, nil
	}
	summary, _ := args["summary"].(string)
	return &Result{
		Output: summary,
		SideChannel: map[string]any{
			SideChannelTerminal: true,
			SideChannelStatus:   status,
		},
	}, nil
}

// AskHumanTool suspends the subtask and requests human input. The
// engine publishes the interrupt and parks the subtask; the process
// keeps serving other ready subtasks.
type AskHumanTool struct{}

func (t *AskHumanTool) Name() string { return AskHumanToolName }

func (t *AskHumanTool) Description() string {
	return "Ask the human operator a question and pause until they answer. Use only when you cannot proceed without their input."
}

func (t *AskHumanTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"question": map[string]any{
			"type":        "string",
			"description": "The question for the human operator.",
		},
		"context": map[string]any{
			"type":        "string",
			"description": "Optional context that helps them answer.",
		},
	}, []string{"question"}
}

func (t *AskHumanTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	question, _ := args["question"].(string)
	if question == "" {
		return &Result{Err: "question is required"}, nil
	}
	contextText, _ := args["context"].(string)
	return &Result{
		Output: "waiting for human input",
		SideChannel: map[string]any{
			SideChannelAskHuman: true,
			SideChannelQuestion: question,
			SideChannelContext:  contextText,
		},
	}, nil
}
