// Package schedule keeps per-user calendar entries and todo items for the
// schedule and todo tools.
package schedule

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("schedule entry not found")
	ErrTokenInvalid = errors.New("delete confirmation token invalid or expired")
)

// Entry is a single calendar entry.
type Entry struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Location  string        `json:"location,omitempty"`
	Notes     string        `json:"notes,omitempty"`
}

// End returns when the entry finishes.
func (e Entry) End() time.Time { return e.StartTime.Add(e.Duration) }

// Patch holds the fields to change on an entry; nil fields are kept.
type Patch struct {
	Title     *string
	StartTime *time.Time
	Duration  *time.Duration
	Location  *string
	Notes     *string
}

type pendingDelete struct {
	owner   string
	entryID string
	expires time.Time
}

// Book manages schedules for all users.
type Book struct {
	entries map[string][]Entry // owner -> entries sorted by start
	pending map[string]pendingDelete
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewBook creates a schedule book. Delete confirmations expire after 5 minutes.
func NewBook(logger *zap.Logger) *Book {
	return &Book{
		entries: make(map[string][]Entry),
		pending: make(map[string]pendingDelete),
		ttl:     5 * time.Minute,
		now:     time.Now,
		logger:  logger,
	}
}

// Add stores a new entry and returns it with its ID set.
func (b *Book) Add(owner string, e Entry) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	list := append(b.entries[owner], e)
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	b.entries[owner] = list
	b.logger.Debug("schedule entry added", zap.String("owner", owner), zap.String("title", e.Title))
	return e
}

// Between returns entries overlapping [from, to).
func (b *Book) Between(owner string, from, to time.Time) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	for _, e := range b.entries[owner] {
		if overlaps(e, from, to) {
			out = append(out, e)
		}
	}
	return out
}

func overlaps(e Entry, from, to time.Time) bool {
	if e.Duration == 0 {
		return !e.StartTime.Before(from) && e.StartTime.Before(to)
	}
	return e.StartTime.Before(to) && e.End().After(from)
}

// Search returns entries whose title, location or notes contain query.
func (b *Book) Search(owner, query string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var out []Entry
	for _, e := range b.entries[owner] {
		hay := strings.ToLower(e.Title + " " + e.Location + " " + e.Notes)
		if q == "" || strings.Contains(hay, q) {
			out = append(out, e)
		}
	}
	return out
}

// Modify applies p to the entry and returns the updated entry.
func (b *Book) Modify(owner, id string, p Patch) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.entries[owner]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		e := &list[i]
		if p.Title != nil {
			e.Title = *p.Title
		}
		if p.StartTime != nil {
			e.StartTime = *p.StartTime
		}
		if p.Duration != nil {
			e.Duration = *p.Duration
		}
		if p.Location != nil {
			e.Location = *p.Location
		}
		if p.Notes != nil {
			e.Notes = *p.Notes
		}
		updated := *e
		sort.SliceStable(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
		return updated, nil
	}
	return Entry{}, ErrNotFound
}

// RequestDelete starts a two-step delete. The entry is removed only when the
// returned token is passed to ConfirmDelete before it expires.
func (b *Book) RequestDelete(owner, id string) (string, Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries[owner] {
		if e.ID == id {
			token := uuid.New().String()
			b.pending[token] = pendingDelete{owner: owner, entryID: id, expires: b.now().Add(b.ttl)}
			return token, e, nil
		}
	}
	return "", Entry{}, ErrNotFound
}

// ConfirmDelete removes the entry named by a RequestDelete token.
func (b *Book) ConfirmDelete(owner, token string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pd, ok := b.pending[token]
	if !ok || pd.owner != owner || b.now().After(pd.expires) {
		delete(b.pending, token)
		return Entry{}, ErrTokenInvalid
	}
	delete(b.pending, token)

	list := b.entries[owner]
	for i, e := range list {
		if e.ID == pd.entryID {
			b.entries[owner] = append(list[:i:i], list[i+1:]...)
			b.logger.Debug("schedule entry deleted", zap.String("owner", owner), zap.String("title", e.Title))
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}
