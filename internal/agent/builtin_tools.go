package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/companion/internal/schedule"
	"github.com/nidhogg/companion/internal/search"
	"github.com/nidhogg/companion/internal/user"
)

// BuiltinDeps backs the built-in tools. Tools whose dependency is nil are
// not registered.
type BuiltinDeps struct {
	Web       *search.Searxng
	Knowledge search.Knowledge
	Schedules *schedule.Book
	Todos     *schedule.Todos
	Now       func() time.Time
}

// owner keys schedules and todos. It falls back to "default" so tools still
// work outside a Run.
func owner(ctx context.Context) string {
	if id, ok := user.IDFromContext(ctx); ok {
		return id
	}
	return "default"
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q, use YYYY-MM-DD HH:MM", s)
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to search for" validate:"required"`
}

type todoArgs struct {
	Title string `json:"title" jsonschema:"required,description=What needs to be done" validate:"required"`
	Due   string `json:"due,omitempty" jsonschema:"description=Optional due date as YYYY-MM-DD or YYYY-MM-DD HH:MM"`
}

type checkScheduleArgs struct {
	Date string `json:"date,omitempty" jsonschema:"description=Day to check as YYYY-MM-DD; defaults to today"`
	Days int    `json:"days,omitempty" jsonschema:"description=Number of days to include starting at date; defaults to 1" validate:"omitempty,min=1,max=31"`
}

type setScheduleArgs struct {
	Title           string `json:"title" jsonschema:"required,description=Short title of the event" validate:"required"`
	Start           string `json:"start" jsonschema:"required,description=Start time as YYYY-MM-DD HH:MM" validate:"required"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"description=Length in minutes; defaults to 60" validate:"omitempty,min=1"`
	Location        string `json:"location,omitempty" jsonschema:"description=Where the event takes place"`
	Notes           string `json:"notes,omitempty" jsonschema:"description=Free-form notes"`
}

type modifyScheduleArgs struct {
	ID              string  `json:"id" jsonschema:"required,description=Entry id from check_schedule or search_schedule" validate:"required"`
	Title           *string `json:"title,omitempty" jsonschema:"description=New title"`
	Start           *string `json:"start,omitempty" jsonschema:"description=New start time as YYYY-MM-DD HH:MM"`
	DurationMinutes *int    `json:"duration_minutes,omitempty" jsonschema:"description=New length in minutes" validate:"omitempty,min=1"`
	Location        *string `json:"location,omitempty" jsonschema:"description=New location"`
	Notes           *string `json:"notes,omitempty" jsonschema:"description=New notes"`
}

type deleteScheduleArgs struct {
	ID string `json:"id" jsonschema:"required,description=Entry id to delete" validate:"required"`
}

type confirmDeleteArgs struct {
	Token string `json:"token" jsonschema:"required,description=Confirmation token returned by delete_schedule" validate:"required"`
}

// RegisterBuiltinTools adds the default tools to a registry.
func RegisterBuiltinTools(reg *ToolRegistry, deps BuiltinDeps) error {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	var specs []ToolSpec
	if deps.Web != nil {
		specs = append(specs, ToolSpec{
			Name:        "search",
			Description: "Search the web for current information, news or facts you do not know",
			Schema:      SchemaFor[searchArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p searchArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				results, err := deps.Web.Search(ctx, p.Query)
				if err != nil {
					return "", err
				}
				return toJSON(map[string]interface{}{"results": results}), nil
			},
		})
	}

	if deps.Knowledge != nil {
		specs = append(specs, ToolSpec{
			Name:        "get_info_from_local",
			Description: "Look up the user's local knowledge base (notes and documents) for an answer",
			Schema:      SchemaFor[searchArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p searchArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				results, err := deps.Knowledge.Lookup(ctx, p.Query, 3)
				if err != nil {
					return "", fmt.Errorf("local lookup: %w", err)
				}
				if len(results) == 0 {
					return `{"results":[],"note":"nothing relevant in the local knowledge base"}`, nil
				}
				return toJSON(map[string]interface{}{"results": results}), nil
			},
		})
	}

	if deps.Todos != nil {
		specs = append(specs, ToolSpec{
			Name:        "create_todo",
			Description: "Add an item to the user's todo list",
			Schema:      SchemaFor[todoArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p todoArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				var due *time.Time
				if p.Due != "" {
					t, err := parseTime(p.Due)
					if err != nil {
						return "", err
					}
					due = &t
				}
				item := deps.Todos.Add(owner(ctx), p.Title, due)
				return toJSON(map[string]interface{}{"status": "created", "todo": item}), nil
			},
		})
	}

	if deps.Schedules != nil {
		specs = append(specs, scheduleTools(deps.Schedules, now)...)
	}

	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func scheduleTools(book *schedule.Book, now func() time.Time) []ToolSpec {
	return []ToolSpec{
		{
			Name:        "check_schedule",
			Description: "List the user's schedule for a day or a range of days",
			Schema:      SchemaFor[checkScheduleArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p checkScheduleArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				day := now()
				if p.Date != "" {
					t, err := parseTime(p.Date)
					if err != nil {
						return "", err
					}
					day = t
				}
				from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
				days := p.Days
				if days == 0 {
					days = 1
				}
				entries := book.Between(owner(ctx), from, from.AddDate(0, 0, days))
				return toJSON(map[string]interface{}{"from": from.Format("2006-01-02"), "days": days, "entries": entries}), nil
			},
		},
		{
			Name:        "set_schedule",
			Description: "Add an event to the user's schedule",
			Schema:      SchemaFor[setScheduleArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p setScheduleArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				start, err := parseTime(p.Start)
				if err != nil {
					return "", err
				}
				if p.DurationMinutes == 0 {
					p.DurationMinutes = 60
				}
				e := book.Add(owner(ctx), schedule.Entry{
					Title:     p.Title,
					StartTime: start,
					Duration:  time.Duration(p.DurationMinutes) * time.Minute,
					Location:  p.Location,
					Notes:     p.Notes,
				})
				return toJSON(map[string]interface{}{"status": "scheduled", "entry": e}), nil
			},
		},
		{
			Name:        "search_schedule",
			Description: "Find schedule entries by title, location or notes",
			Schema:      SchemaFor[searchArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p searchArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				return toJSON(map[string]interface{}{"entries": book.Search(owner(ctx), p.Query)}), nil
			},
		},
		{
			Name:        "modify_schedule",
			Description: "Change fields of an existing schedule entry",
			Schema:      SchemaFor[modifyScheduleArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p modifyScheduleArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				patch := schedule.Patch{Title: p.Title, Location: p.Location, Notes: p.Notes}
				if p.Start != nil {
					t, err := parseTime(*p.Start)
					if err != nil {
						return "", err
					}
					patch.StartTime = &t
				}
				if p.DurationMinutes != nil {
					d := time.Duration(*p.DurationMinutes) * time.Minute
					patch.Duration = &d
				}
				e, err := book.Modify(owner(ctx), p.ID, patch)
				if err != nil {
					return "", err
				}
				return toJSON(map[string]interface{}{"status": "updated", "entry": e}), nil
			},
		},
		{
			Name:        "delete_schedule",
			Description: "Ask to delete a schedule entry. Returns a token; confirm with the user, then call confirm_delete_schedule",
			Schema:      SchemaFor[deleteScheduleArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p deleteScheduleArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				token, e, err := book.RequestDelete(owner(ctx), p.ID)
				if err != nil {
					return "", err
				}
				return toJSON(map[string]interface{}{"status": "pending_confirmation", "token": token, "entry": e}), nil
			},
		},
		{
			Name:        "confirm_delete_schedule",
			Description: "Delete a schedule entry after the user confirmed, using the token from delete_schedule",
			Schema:      SchemaFor[confirmDeleteArgs](),
			Handler: func(ctx context.Context, args string) (string, error) {
				var p confirmDeleteArgs
				if err := DecodeArgs(args, &p); err != nil {
					return "", err
				}
				e, err := book.ConfirmDelete(owner(ctx), p.Token)
				if err != nil {
					return "", err
				}
				return toJSON(map[string]interface{}{"status": "deleted", "entry": e}), nil
			},
		},
	}
}
