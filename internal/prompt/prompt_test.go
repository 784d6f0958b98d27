package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/companion/internal/memory"
	"github.com/nidhogg/companion/internal/provider"
	"github.com/nidhogg/companion/internal/sentiment"
)

var now = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func TestBuildIsDeterministic(t *testing.T) {
	a := NewAssembler("", nil, []string{"search", "create_todo"})
	affect := sentiment.Affect{Label: sentiment.LabelAngry, Score: 9}

	t1 := a.Build("chat_history", affect)
	t2 := a.Build("chat_history", affect)
	if t1.System(now) != t2.System(now) {
		t.Error("same inputs produced different prompts")
	}
	if t1.Mood != DefaultMoods[sentiment.LabelAngry] {
		t.Errorf("got mood %+v", t1.Mood)
	}
}

func TestAffectPrecedesToolScaffold(t *testing.T) {
	a := NewAssembler("persona", nil, []string{"search"})
	sys := a.Build("chat_history", sentiment.Affect{Label: sentiment.LabelDepressed, Score: 3}).System(now)

	moodAt := strings.Index(sys, DefaultMoods[sentiment.LabelDepressed].RoleSet)
	toolsAt := strings.Index(sys, "## Tools")
	if moodAt < 0 || toolsAt < 0 {
		t.Fatalf("missing sections in prompt:\n%s", sys)
	}
	if moodAt > toolsAt {
		t.Error("affect framing placed after tool scaffold")
	}
	if !strings.Contains(sys, "search") {
		t.Error("tool name missing from scaffold")
	}
	if !strings.Contains(sys, "chat_history") {
		t.Error("memory key missing from prompt")
	}
}

func TestUnknownLabelUsesNeutralFraming(t *testing.T) {
	a := NewAssembler("", nil, nil)
	tpl := a.Build("k", sentiment.Affect{Label: "bewildered", Score: 4})
	if tpl.Mood != DefaultMoods[sentiment.LabelDefault] {
		t.Errorf("got %+v, want neutral mood", tpl.Mood)
	}
	if !strings.Contains(tpl.System(now), "No tools are available") {
		t.Error("expected no-tools scaffold")
	}
}

func TestMessagesOrder(t *testing.T) {
	a := NewAssembler("", nil, nil)
	tpl := a.Build("k", sentiment.Default())
	history := memory.NewHistory([]memory.Turn{
		{Role: memory.RoleUser, Text: "hi"},
		{Role: memory.RoleAgent, Text: "hello"},
	})

	msgs := tpl.Messages(now, history, "how are you")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	wantRoles := []string{provider.RoleSystem, provider.RoleUser, provider.RoleAssistant, provider.RoleUser}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, want)
		}
	}
	if msgs[3].Content != "how are you" {
		t.Errorf("last message %q", msgs[3].Content)
	}
}
