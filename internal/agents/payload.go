package agents

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports generation output that did not match the stage's JSON
// contract. The snippet keeps enough of the raw text to diagnose the prompt.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing generation output: %v (got: %s)", e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// OutlineSection is one planned section of an article.
type OutlineSection struct {
	Heading string `json:"heading"`
	Summary string `json:"summary"`
}

// OutlinePayload is the outline stage's output contract.
type OutlinePayload struct {
	Title    string           `json:"title"`
	Sections []OutlineSection `json:"sections"`
}

// ArticlePayload is the draft stage's output contract.
type ArticlePayload struct {
	Title    string   `json:"title"`
	BodyHTML string   `json:"body_html"`
	Tags     []string `json:"tags"`
}

// ParseOutline decodes an outline from generation output. An outline with no
// sections is rejected; there is nothing for the draft stage to write.
func ParseOutline(raw string) (OutlinePayload, error) {
	var p OutlinePayload
	if err := decodeJSON(raw, &p); err != nil {
		return p, err
	}
	if p.Title == "" || len(p.Sections) == 0 {
		return p, &ParseError{Snippet: snippet(raw), Err: fmt.Errorf("outline missing title or sections")}
	}
	for i, s := range p.Sections {
		if s.Heading == "" {
			return p, &ParseError{Snippet: snippet(raw), Err: fmt.Errorf("section %d has no heading", i)}
		}
	}
	return p, nil
}

// ParseArticle decodes an article from generation output.
func ParseArticle(raw string) (ArticlePayload, error) {
	var p ArticlePayload
	if err := decodeJSON(raw, &p); err != nil {
		return p, err
	}
	if p.Title == "" || p.BodyHTML == "" {
		return p, &ParseError{Snippet: snippet(raw), Err: fmt.Errorf("article missing title or body")}
	}
	return p, nil
}

// decodeJSON unmarshals generation output into out, tolerating a markdown
// code fence around the JSON object. Models wrap structured output in fences
// often enough that rejecting it would fail otherwise valid runs.
func decodeJSON(raw string, out any) error {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return &ParseError{Snippet: snippet(raw), Err: err}
	}
	return nil
}

const maxSnippet = 200

func snippet(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) > maxSnippet {
		return s[:maxSnippet] + "..."
	}
	return s
}
