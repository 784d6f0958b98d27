package search

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Knowledge answers questions from the user's own documents.
type Knowledge interface {
	Lookup(ctx context.Context, query string, limit int) ([]Result, error)
}

// Passage is one blank-line separated paragraph of a knowledge file.
type Passage struct {
	Source string
	Text   string
}

// ReadPassages splits every .txt and .md file under dir into passages. A
// missing dir yields none.
func ReadPassages(dir string) ([]Passage, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var out []Passage
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if d.IsDir() || (ext != ".md" && ext != ".txt") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		out = append(out, SplitPassages(rel, string(data))...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", dir, err)
	}
	return out, nil
}

// SplitPassages cuts text into paragraphs attributed to source.
func SplitPassages(source, text string) []Passage {
	var out []Passage
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			out = append(out, Passage{Source: source, Text: para})
		}
	}
	return out
}

// Local answers questions from a directory of text and markdown files by
// keyword overlap.
type Local struct {
	passages []indexed
}

type indexed struct {
	Passage
	terms map[string]int
}

// LoadLocal indexes every .txt and .md file under dir. A missing dir yields
// an empty index.
func LoadLocal(dir string) (*Local, error) {
	passages, err := ReadPassages(dir)
	if err != nil {
		return nil, err
	}
	l := &Local{}
	for _, p := range passages {
		l.add(p)
	}
	return l, nil
}

// Add indexes text from source.
func (l *Local) Add(source, text string) {
	for _, p := range SplitPassages(source, text) {
		l.add(p)
	}
}

func (l *Local) add(p Passage) {
	terms := make(map[string]int)
	for _, t := range tokenize(p.Text) {
		terms[t]++
	}
	l.passages = append(l.passages, indexed{Passage: p, terms: terms})
}

// Len returns the number of indexed passages.
func (l *Local) Len() int { return len(l.passages) }

// Passages returns the indexed passages in load order.
func (l *Local) Passages() []Passage {
	out := make([]Passage, len(l.passages))
	for i, p := range l.passages {
		out[i] = p.Passage
	}
	return out
}

// Search returns up to limit passages ranked by query term overlap.
func (l *Local) Search(query string, limit int) []Result {
	qterms := tokenize(query)
	if len(qterms) == 0 {
		return nil
	}
	type scored struct {
		p     indexed
		score int
	}
	var hits []scored
	for _, p := range l.passages {
		score := 0
		for _, t := range qterms {
			score += p.terms[t]
		}
		if score > 0 {
			hits = append(hits, scored{p, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{Title: h.p.Source, Content: h.p.Text}
	}
	return out
}

// Lookup implements Knowledge.
func (l *Local) Lookup(_ context.Context, query string, limit int) ([]Result, error) {
	return l.Search(query, limit), nil
}

// tokenize lowercases s and splits it into words. Scripts written without
// spaces (Han, kana) are split into overlapping rune bigrams instead, so a
// query shares terms with any passage containing it.
func tokenize(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, w := range words {
		for _, run := range splitScripts(w) {
			if unspaced(run[0]) {
				out = append(out, bigrams(run)...)
				continue
			}
			if t := string(run); len(run) >= 2 && !stopwords[t] {
				out = append(out, t)
			}
		}
	}
	return out
}

func unspaced(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}

// splitScripts cuts w where it switches between spaced and unspaced scripts.
func splitScripts(w string) [][]rune {
	var runs [][]rune
	var cur []rune
	for _, r := range w {
		if len(cur) > 0 && unspaced(cur[0]) != unspaced(r) {
			runs = append(runs, cur)
			cur = nil
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

func bigrams(run []rune) []string {
	if len(run) == 1 {
		return []string{string(run)}
	}
	out := make([]string, 0, len(run)-1)
	for i := 0; i+1 < len(run); i++ {
		out = append(out, string(run[i:i+2]))
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "is": true,
	"of": true, "to": true, "in": true, "on": true, "at": true,
	"what": true, "when": true, "how": true, "who": true, "an": true,
	"do": true, "does": true, "my": true, "me": true, "it": true,
}
