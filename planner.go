package fathom

import (
	"context"
	"encoding/json"
	"fmt"
)

// PlanningTools returns the built-in planning suite: write_todos,
// read_todos, and update_todo_status. All three are state-effect mutations
// of the session's TODO list; the at-most-one-in_progress invariant is
// enforced on every write and violations come back as error tool results.
func PlanningTools() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name:        "write_todos",
			Description: "Replace the TODO list wholesale. Use this to lay out or restructure the plan. At most one item may be in_progress.",
			Effect:      EffectState,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"items": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"id": {"type": "string"},
								"content": {"type": "string"},
								"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "cancelled"]}
							},
							"required": ["id", "content", "status"]
						}
					}
				},
				"required": ["items"]
			}`),
			Handler: writeTodos,
		},
		{
			Name:        "read_todos",
			Description: "Return the current TODO list.",
			Effect:      EffectState,
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler:     readTodos,
		},
		{
			Name:        "update_todo_status",
			Description: "Transition one TODO item. Permitted: pending→in_progress, in_progress→completed, in_progress→cancelled, pending→cancelled.",
			Effect:      EffectState,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "cancelled"]}
				},
				"required": ["id", "status"]
			}`),
			Handler: updateTodoStatus,
		},
	}
}

func writeTodos(_ context.Context, input json.RawMessage, tc *ToolContext) (any, error) {
	var args struct {
		Items []Todo `json:"items"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	if err := tc.State.SetTodos(args.Items); err != nil {
		return nil, err
	}
	return fmt.Sprintf("recorded %d todos", len(args.Items)), nil
}

func readTodos(_ context.Context, _ json.RawMessage, tc *ToolContext) (any, error) {
	return tc.State.Todos(), nil
}

func updateTodoStatus(_ context.Context, input json.RawMessage, tc *ToolContext) (any, error) {
	var args struct {
		ID     string     `json:"id"`
		Status TodoStatus `json:"status"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	if err := tc.State.UpdateTodoStatus(args.ID, args.Status); err != nil {
		return nil, err
	}
	return fmt.Sprintf("todo %s is now %s", args.ID, args.Status), nil
}
