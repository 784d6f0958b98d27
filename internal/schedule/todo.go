package schedule

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Todo is a single todo item.
type Todo struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Due       *time.Time `json:"due,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Todos holds todo items per user.
type Todos struct {
	items map[string][]Todo
	mu    sync.RWMutex
}

// NewTodos creates an empty todo list.
func NewTodos() *Todos {
	return &Todos{items: make(map[string][]Todo)}
}

// Add creates a todo for owner.
func (t *Todos) Add(owner, title string, due *time.Time) Todo {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := Todo{ID: uuid.New().String(), Title: title, Due: due, CreatedAt: time.Now().UTC()}
	t.items[owner] = append(t.items[owner], item)
	return item
}

// List returns owner's todos in creation order.
func (t *Todos) List(owner string) []Todo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Todo(nil), t.items[owner]...)
}
