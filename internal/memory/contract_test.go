package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// testStoreContract exercises the behaviour every Store backend must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("unknown session recalls empty", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Recall(ctx, "never-seen", 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Len() != 0 {
			t.Errorf("got %d turns, want 0", h.Len())
		}
	})

	t.Run("append then recall preserves order", func(t *testing.T) {
		s := newStore(t)
		const n = 7
		for i := 0; i < n; i++ {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAgent
			}
			if err := s.Append(ctx, "s1", NewTurn(role, fmt.Sprintf("msg-%d", i))); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		h1, err := s.Recall(ctx, "s1", 0)
		if err != nil {
			t.Fatalf("recall: %v", err)
		}
		if h1.Len() != n {
			t.Fatalf("got %d turns, want %d", h1.Len(), n)
		}
		i := 0
		for turn := range h1.All() {
			if want := fmt.Sprintf("msg-%d", i); turn.Text != want {
				t.Errorf("turn %d = %q, want %q", i, turn.Text, want)
			}
			i++
		}

		h2, _ := s.Recall(ctx, "s1", 0)
		a, b := h1.Turns(), h2.Turns()
		for i := range a {
			if a[i].ID != b[i].ID || a[i].Text != b[i].Text || a[i].Role != b[i].Role {
				t.Errorf("recall not idempotent at %d: %+v vs %+v", i, a[i], b[i])
			}
		}
	})

	t.Run("window returns most recent", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			s.Append(ctx, "w", NewTurn(RoleUser, fmt.Sprintf("m%d", i)))
		}
		h, err := s.Recall(ctx, "w", 2)
		if err != nil {
			t.Fatalf("recall: %v", err)
		}
		turns := h.Turns()
		if len(turns) != 2 || turns[0].Text != "m3" || turns[1].Text != "m4" {
			t.Errorf("got %+v, want m3,m4", turns)
		}
	})

	t.Run("batch append is ordered", func(t *testing.T) {
		s := newStore(t)
		err := s.Append(ctx, "b", NewTurn(RoleUser, "question"), NewTurn(RoleAgent, "answer"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		turns, _ := s.Recall(ctx, "b", 0)
		got := turns.Turns()
		if len(got) != 2 || got[0].Role != RoleUser || got[1].Role != RoleAgent {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("invalid batch appends nothing", func(t *testing.T) {
		s := newStore(t)
		err := s.Append(ctx, "bad", NewTurn(RoleUser, "ok"), Turn{Role: "narrator", Text: "x"})
		if err == nil {
			t.Fatal("expected error for invalid role")
		}
		h, _ := s.Recall(ctx, "bad", 0)
		if h.Len() != 0 {
			t.Errorf("got %d turns after failed append, want 0", h.Len())
		}
	})

	t.Run("create if absent is idempotent", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			if err := s.CreateIfAbsent(ctx, "c"); err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
		}
		s.Append(ctx, "c", NewTurn(RoleUser, "hi"))
		if err := s.CreateIfAbsent(ctx, "c"); err != nil {
			t.Fatalf("create after append: %v", err)
		}
		h, _ := s.Recall(ctx, "c", 0)
		if h.Len() != 1 {
			t.Errorf("got %d turns, want 1", h.Len())
		}
		if err := s.CreateIfAbsent(ctx, ""); err == nil {
			t.Error("expected error for empty session id")
		}
	})

	t.Run("sessions are isolated under concurrency", func(t *testing.T) {
		s := newStore(t)
		const sessions, perSession = 4, 10
		var wg sync.WaitGroup
		for i := 0; i < sessions; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for j := 0; j < perSession; j++ {
					s.Append(ctx, id, NewTurn(RoleUser, fmt.Sprintf("%s-%d", id, j)))
				}
			}(fmt.Sprintf("c%d", i))
		}
		wg.Wait()

		for i := 0; i < sessions; i++ {
			id := fmt.Sprintf("c%d", i)
			h, _ := s.Recall(ctx, id, 0)
			turns := h.Turns()
			if len(turns) != perSession {
				t.Fatalf("%s: got %d turns, want %d", id, len(turns), perSession)
			}
			for j, turn := range turns {
				if want := fmt.Sprintf("%s-%d", id, j); turn.Text != want {
					t.Errorf("%s[%d] = %q, want %q", id, j, turn.Text, want)
				}
			}
		}
	})
}
