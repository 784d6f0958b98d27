// Package sentiment tags user text with a coarse affect label and intensity.
package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/companion/internal/provider"
	"go.uber.org/zap"
)

// Label is a coarse affect label.
type Label string

const (
	LabelDefault   Label = "default"
	LabelPositive  Label = "positive"
	LabelNegative  Label = "negative"
	LabelUpbeat    Label = "upbeat"
	LabelAngry     Label = "angry"
	LabelDepressed Label = "depressed"
	LabelFriendly  Label = "friendly"
	LabelCheerful  Label = "cheerful"
)

// Labels is the closed set Tag may return, in prompt order.
var Labels = []Label{
	LabelDefault, LabelPositive, LabelNegative, LabelUpbeat,
	LabelAngry, LabelDepressed, LabelFriendly, LabelCheerful,
}

// Valid reports whether l belongs to Labels.
func (l Label) Valid() bool {
	for _, v := range Labels {
		if v == l {
			return true
		}
	}
	return false
}

const (
	MinScore     = 1
	MaxScore     = 10
	DefaultScore = 5
)

// Affect is the affect state for a single turn.
type Affect struct {
	Label Label `json:"feeling"`
	Score int   `json:"score"`
}

// Default is the neutral affect used whenever classification fails.
func Default() Affect {
	return Affect{Label: LabelDefault, Score: DefaultScore}
}

func (a Affect) String() string {
	return fmt.Sprintf("%s(%d)", a.Label, a.Score)
}

// Chatter is the model capability the tagger classifies with.
type Chatter interface {
	Route(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Tagger maps user text to an Affect through the model.
type Tagger struct {
	chat    Chatter
	timeout time.Duration
	logger  *zap.Logger
}

// NewTagger creates a tagger. A nil chat makes every Tag return Default.
// A zero timeout means 10s.
func NewTagger(chat Chatter, timeout time.Duration, logger *zap.Logger) *Tagger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tagger{chat: chat, timeout: timeout, logger: logger}
}

// Tag classifies text. It never fails; any error is logged and Default is
// returned in its place.
func (t *Tagger) Tag(ctx context.Context, text string) Affect {
	if t.chat == nil || strings.TrimSpace(text) == "" {
		return Default()
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.chat.Route(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: classifyPrompt},
			{Role: provider.RoleUser, Content: text},
		},
		Temperature: 0,
		MaxTokens:   64,
		JSONMode:    true,
	})
	if err != nil {
		t.logger.Warn("sentiment classification failed", zap.Error(err))
		return Default()
	}

	a, err := Parse(resp.Content)
	if err != nil {
		t.logger.Warn("sentiment response rejected",
			zap.String("content", truncate(resp.Content, 120)), zap.Error(err))
		return Default()
	}
	t.logger.Debug("sentiment tagged", zap.String("label", string(a.Label)), zap.Int("score", a.Score))
	return a
}

// Parse decodes a classifier reply. The reply may wrap the JSON object in a
// code fence or prose; the first {...} span is used. Scores are clamped.
func Parse(content string) (Affect, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Affect{}, fmt.Errorf("no JSON object in reply")
	}

	var raw struct {
		Feeling string          `json:"feeling"`
		Score   json.RawMessage `json:"score"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return Affect{}, fmt.Errorf("decode reply: %w", err)
	}

	label := Label(strings.ToLower(strings.TrimSpace(raw.Feeling)))
	if !label.Valid() {
		return Affect{}, fmt.Errorf("unknown label %q", raw.Feeling)
	}

	score := DefaultScore
	if len(raw.Score) > 0 {
		var f float64
		s := strings.Trim(string(raw.Score), `"`)
		if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
			return Affect{}, fmt.Errorf("bad score %s", raw.Score)
		}
		score = clamp(int(f + 0.5))
	}
	return Affect{Label: label, Score: score}, nil
}

func clamp(n int) int {
	if n < MinScore {
		return MinScore
	}
	if n > MaxScore {
		return MaxScore
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

var classifyPrompt = func() string {
	names := make([]string, len(Labels))
	for i, l := range Labels {
		names[i] = string(l)
	}
	return `Classify the emotional tone of the user's message.
Reply with a single JSON object and nothing else:
{"feeling": "<label>", "score": <intensity 1-10>}
Allowed labels: ` + strings.Join(names, ", ") + `.
Guidance:
- Use "default" for neutral or purely factual messages.
- Use "angry" for hostile or insulting language, "depressed" for sadness or hopelessness.
- Use "upbeat" or "cheerful" for excited, happy messages; "friendly" for warm, polite ones.
- Use "positive" or "negative" when the tone is clear but none of the above fit.
The score is how intense the feeling is: 1 barely present, 10 overwhelming.`
}()
