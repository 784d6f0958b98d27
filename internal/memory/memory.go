// Package memory provides per-session conversation memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one message in a session. It is immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with a fresh ID and the current time.
func NewTurn(role Role, text string) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// ErrEmptySessionID is returned for operations on an empty session ID.
var ErrEmptySessionID = errors.New("empty session id")

// Store is an append-only, per-session turn log.
type Store interface {
	// Append adds turns to the session in order. Either all turns are
	// appended or none are. The session is created if absent.
	Append(ctx context.Context, sessionID string, turns ...Turn) error
	// Recall returns a snapshot of the most recent limit turns, or the full
	// history when limit <= 0. An unknown session yields an empty History.
	Recall(ctx context.Context, sessionID string, limit int) (History, error)
	// CreateIfAbsent makes sure the session exists. It is idempotent.
	CreateIfAbsent(ctx context.Context, sessionID string) error
}

// History is a snapshot of a session's turns. Later appends are not visible
// through it.
type History struct {
	turns []Turn
}

// NewHistory copies turns into a History.
func NewHistory(turns []Turn) History {
	if len(turns) == 0 {
		return History{}
	}
	return History{turns: append([]Turn(nil), turns...)}
}

// Len returns the number of turns.
func (h History) Len() int { return len(h.turns) }

// All iterates the turns oldest first. It can be ranged over any number of
// times.
func (h History) All() iter.Seq[Turn] {
	return func(yield func(Turn) bool) {
		for _, t := range h.turns {
			if !yield(t) {
				return
			}
		}
	}
}

// Turns returns a copy of the turns.
func (h History) Turns() []Turn {
	return append([]Turn(nil), h.turns...)
}

// Scope is the recall window presented to the model.
type Scope struct {
	Window int // 0 means full history
}

// ParseScope accepts "full" (or empty) and "window:N".
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "full" {
		return Scope{}, nil
	}
	n, ok := strings.CutPrefix(s, "window:")
	if !ok {
		return Scope{}, fmt.Errorf("invalid memory scope %q: want full or window:N", s)
	}
	w, err := strconv.Atoi(n)
	if err != nil || w <= 0 {
		return Scope{}, fmt.Errorf("invalid memory window %q", n)
	}
	return Scope{Window: w}, nil
}

// Limit is the Recall limit for this scope.
func (s Scope) Limit() int { return s.Window }

func (s Scope) String() string {
	if s.Window <= 0 {
		return "full"
	}
	return "window:" + strconv.Itoa(s.Window)
}

func prepare(sessionID string, turns []Turn) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	for i := range turns {
		if turns[i].ID == "" {
			turns[i].ID = uuid.New().String()
		}
		if turns[i].Timestamp.IsZero() {
			turns[i].Timestamp = time.Now().UTC()
		}
		if turns[i].Role != RoleUser && turns[i].Role != RoleAgent {
			return fmt.Errorf("turn %d: invalid role %q", i, turns[i].Role)
		}
	}
	return nil
}

func tail(turns []Turn, limit int) []Turn {
	if limit > 0 && len(turns) > limit {
		return turns[len(turns)-limit:]
	}
	return turns
}
