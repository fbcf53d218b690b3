package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Crestview-Labs/metagen/internal/memory"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// ExecuteTaskName is the tool name the manager intercepts to spawn a task
// agent. It is advertised descriptor-only; no in-process implementation
// exists.
const ExecuteTaskName = "execute_task"

// ExecuteTaskDescriptor returns the catalog entry for execute_task.
func ExecuteTaskDescriptor() Descriptor {
	return Descriptor{
		Name:        ExecuteTaskName,
		Description: "Execute a stored task by id. The task runs in a dedicated agent and its output is returned when it finishes.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {
					"type": "string",
					"description": "Id of the task to execute, as returned by create_task or list_tasks"
				},
				"task_args": {
					"type": "object",
					"description": "Input values keyed by parameter name"
				}
			},
			"required": ["task_id"]
		}`),
	}
}

// RegisterTaskTools registers the task management builtins on the registry.
func RegisterTaskTools(r *Registry, store memory.Store) {
	r.Register(NewCreateTaskTool(store))
	r.Register(NewListTasksTool(store))
	r.Register(NewGetTaskTool(store))
}

const parameterItemSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"description": {"type": "string"},
		"type": {"type": "string", "enum": ["string", "integer", "float", "boolean", "list", "dict"]},
		"required": {"type": "boolean"},
		"default": {}
	},
	"required": ["name", "type"]
}`

// parameterSpec mirrors models.Parameter for tool input decoding.
type parameterSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default"`
}

func toParameters(specs []parameterSpec) []models.Parameter {
	if len(specs) == 0 {
		return nil
	}
	params := make([]models.Parameter, len(specs))
	for i, s := range specs {
		params[i] = models.Parameter{
			Name:        s.Name,
			Description: s.Description,
			Type:        models.ParameterType(s.Type),
			Required:    s.Required,
			Default:     s.Default,
		}
	}
	return params
}

// CreateTaskTool stores a new reusable task definition.
type CreateTaskTool struct {
	store memory.Store
}

// NewCreateTaskTool creates the create_task builtin.
func NewCreateTaskTool(store memory.Store) *CreateTaskTool {
	return &CreateTaskTool{store: store}
}

func (t *CreateTaskTool) Name() string { return "create_task" }

func (t *CreateTaskTool) Description() string {
	return "Create a reusable task definition. Instructions may contain {param} placeholders that are filled from input_schema parameters at execution time."
}

func (t *CreateTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"description": "Unique task name"
			},
			"description": {
				"type": "string",
				"description": "What the task does"
			},
			"instructions": {
				"type": "string",
				"description": "Agent instructions, with optional {param} placeholders"
			},
			"input_schema": {
				"type": "array",
				"items": ` + parameterItemSchema + `,
				"description": "Parameters the task accepts"
			},
			"output_schema": {
				"type": "array",
				"items": ` + parameterItemSchema + `,
				"description": "Fields the task produces"
			},
			"task_type": {
				"type": "string",
				"description": "Optional free-form category"
			}
		},
		"required": ["name", "instructions"]
	}`)
}

type createTaskInput struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Instructions string          `json:"instructions"`
	InputSchema  []parameterSpec `json:"input_schema"`
	OutputSchema []parameterSpec `json:"output_schema"`
	TaskType     string          `json:"task_type"`
}

// Execute creates the task config.
func (t *CreateTaskTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input createTaskInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if strings.TrimSpace(input.Name) == "" {
		return Failure(models.ToolErrorInvalidArgs, "name is required"), nil
	}
	if strings.TrimSpace(input.Instructions) == "" {
		return Failure(models.ToolErrorInvalidArgs, "instructions are required"), nil
	}

	cfg := &models.TaskConfig{
		Name: input.Name,
		Definition: models.TaskDefinition{
			Name:         input.Name,
			Description:  input.Description,
			Instructions: input.Instructions,
			InputSchema:  toParameters(input.InputSchema),
			OutputSchema: toParameters(input.OutputSchema),
			TaskType:     input.TaskType,
		},
	}
	id, err := t.store.CreateTaskConfig(ctx, cfg)
	if err != nil {
		if memory.IsIntegrity(err) {
			return Failure(models.ToolErrorExecution, "task '%s' already exists", input.Name), nil
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	content, err := json.Marshal(map[string]any{"task_id": id, "name": input.Name})
	if err != nil {
		return nil, err
	}
	return &Result{
		Success:     true,
		Content:     string(content),
		UserDisplay: fmt.Sprintf("Created task %q", input.Name),
	}, nil
}

// ListTasksTool lists the stored task definitions.
type ListTasksTool struct {
	store memory.Store
}

// NewListTasksTool creates the list_tasks builtin.
func NewListTasksTool(store memory.Store) *ListTasksTool {
	return &ListTasksTool{store: store}
}

func (t *ListTasksTool) Name() string { return "list_tasks" }

func (t *ListTasksTool) Description() string {
	return "List all stored task definitions with their ids and descriptions."
}

func (t *ListTasksTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

// Execute lists stored tasks.
func (t *ListTasksTool) Execute(ctx context.Context, _ json.RawMessage) (*Result, error) {
	configs, err := t.store.ListTaskConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	type entry struct {
		TaskID      string `json:"task_id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	entries := make([]entry, 0, len(configs))
	for _, cfg := range configs {
		entries = append(entries, entry{
			TaskID:      cfg.ID,
			Name:        cfg.Name,
			Description: cfg.Definition.Description,
		})
	}

	content, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Content: string(content)}, nil
}

// GetTaskTool fetches one task definition by id or name.
type GetTaskTool struct {
	store memory.Store
}

// NewGetTaskTool creates the get_task builtin.
func NewGetTaskTool(store memory.Store) *GetTaskTool {
	return &GetTaskTool{store: store}
}

func (t *GetTaskTool) Name() string { return "get_task" }

func (t *GetTaskTool) Description() string {
	return "Fetch a task definition by task_id or name, including its parameters and instructions."
}

func (t *GetTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {
				"type": "string",
				"description": "Task id to look up"
			},
			"name": {
				"type": "string",
				"description": "Task name to look up, used when task_id is not given"
			}
		}
	}`)
}

type getTaskInput struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
}

// Execute fetches the task config.
func (t *GetTaskTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input getTaskInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if input.TaskID == "" && input.Name == "" {
		return Failure(models.ToolErrorInvalidArgs, "task_id or name is required"), nil
	}

	var (
		cfg *models.TaskConfig
		err error
	)
	if input.TaskID != "" {
		cfg, err = t.store.GetTaskConfig(ctx, input.TaskID)
	} else {
		cfg, err = t.store.GetTaskConfigByName(ctx, input.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if cfg == nil {
		key := input.TaskID
		if key == "" {
			key = input.Name
		}
		return Failure(models.ToolErrorExecution, "task not found: %s", key), nil
	}

	content, err := json.Marshal(map[string]any{
		"task_id":    cfg.ID,
		"name":       cfg.Name,
		"definition": cfg.Definition,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Content: string(content)}, nil
}
