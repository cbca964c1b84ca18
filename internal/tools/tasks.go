package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/eldtechnologies/concierge/internal/ids"
	"github.com/eldtechnologies/concierge/internal/models"
	"github.com/eldtechnologies/concierge/internal/serializer"
)

func (c *calendarTools) listTasks() *Tool {
	type input struct {
		IncludeCompleted bool `json:"include_completed"`
	}
	return &Tool{
		Name:        "list_tasks",
		Description: "List the user's tasks. Completed tasks are hidden unless include_completed is true.",
		InputSchema: object(nil, map[string]any{
			"include_completed": map[string]any{"type": "boolean"},
		}),
		Icon:     "list",
		Progress: "Looking at your tasks",
		Run: func(ctx context.Context, call Call) (any, error) {
			in, err := decode[input](call.Input)
			if err != nil {
				return nil, err
			}
			tasks, err := c.backend.ListTasks(ctx, call.UserID, in.IncludeCompleted)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tasks": tasks}, nil
		},
	}
}

func (c *calendarTools) createTask() *Tool {
	type input struct {
		Title string `json:"title"`
		Notes string `json:"notes"`
		DueAt string `json:"due_at"`
	}
	return &Tool{
		Name:        "create_task",
		Description: "Create a task with an optional due date.",
		InputSchema: object([]string{"title"}, map[string]any{
			"title":  str("Task title"),
			"notes":  str("Optional notes"),
			"due_at": str("Optional due time, RFC 3339"),
		}),
		Icon:     "check-square",
		Progress: "Adding a task",
		Run: func(ctx context.Context, call Call) (any, error) {
			in, err := decode[input](call.Input)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Title) == "" {
				return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
			}
			task := &models.Task{
				ID:     ids.NewULID(),
				UserID: call.UserID,
				Title:  strings.TrimSpace(in.Title),
				Notes:  in.Notes,
			}
			if in.DueAt != "" {
				due, err := parseTime("due_at", in.DueAt)
				if err != nil {
					return nil, err
				}
				task.DueAt = &due
			}
			err = c.mu.Do(ctx, call.UserID, func(ctx context.Context) error {
				return c.backend.CreateTask(ctx, task)
			})
			if err != nil {
				return nil, err
			}
			return task, nil
		},
	}
}

func (c *calendarTools) completeTask() *Tool {
	type input struct {
		ID string `json:"id"`
	}
	return &Tool{
		Name:        "complete_task",
		Description: "Mark a task as done.",
		InputSchema: object([]string{"id"}, map[string]any{"id": str("Task id")}),
		Icon:        "check",
		Progress:    "Completing the task",
		Run: func(ctx context.Context, call Call) (any, error) {
			in, err := decode[input](call.Input)
			if err != nil {
				return nil, err
			}
			if in.ID == "" {
				return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
			}
			return serializer.WithUserMutex(ctx, c.mu, call.UserID, func(ctx context.Context) (*models.Task, error) {
				return c.backend.CompleteTask(ctx, call.UserID, in.ID)
			})
		},
	}
}

func (c *calendarTools) deleteTask() *Tool {
	type input struct {
		ID string `json:"id"`
	}
	return &Tool{
		Name:        "delete_task",
		Description: "Delete a task. The user is asked to approve first.",
		InputSchema: object([]string{"id"}, map[string]any{"id": str("Task id")}),
		Sensitive:   true,
		Icon:        "trash",
		Progress:    "Removing the task",
		Run: func(ctx context.Context, call Call) (any, error) {
			in, err := decode[input](call.Input)
			if err != nil {
				return nil, err
			}
			if in.ID == "" {
				return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
			}
			err = c.mu.Do(ctx, call.UserID, func(ctx context.Context) error {
				return c.backend.DeleteTask(ctx, call.UserID, in.ID)
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": in.ID}, nil
		},
	}
}
