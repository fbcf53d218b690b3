package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"chat", "tasks", "recover", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRenderMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  models.Message
		want string
	}{
		{
			name: "agent content",
			msg:  models.NewAgentMessage("METAGEN", "s", "All done.", true),
			want: "All done.",
		},
		{
			name: "task agent prefixed",
			msg:  models.NewAgentMessage("TASK_AGENT_ab12cd34", "s", "Working on it.", false),
			want: "[TASK_AGENT_ab12cd34] Working on it.",
		},
		{
			name: "tool call",
			msg: models.NewToolCallMessage("METAGEN", "s", []models.ToolCallRequest{
				{ToolID: "t1", ToolName: "echo", ToolArgs: map[string]any{"text": "hi"}},
			}),
			want: `tool> echo {"text":"hi"}`,
		},
		{
			name: "tool error",
			msg:  models.NewToolErrorMessage("METAGEN", "s", "t1", "echo", "boom", models.ToolErrorExecution),
			want: "tool> echo failed (execution_error): boom",
		},
		{
			name: "usage",
			msg:  models.NewUsageMessage("METAGEN", "s", models.TokenUsage{InputTokens: 10, OutputTokens: 3, TotalTokens: 13}),
			want: "tokens: 10 in / 3 out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			renderMessage(&buf, tt.msg)
			got := strings.TrimRight(buf.String(), "\n")
			if got != tt.want {
				t.Errorf("renderMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderMessageSkipsEmptyAgentContent(t *testing.T) {
	var buf bytes.Buffer
	renderMessage(&buf, models.NewAgentMessage("METAGEN", "s", "", true))
	renderMessage(&buf, models.NewToolStartedMessage("METAGEN", "s", "t1", "echo"))
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
