package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/memory"
)

const classifierSystemPrompt = "Du analysierst Benutzeraussagen und entscheidest, ob sie für ein " +
	"langfristiges persönliches Wissensgedächtnis (Jar-El) speicherwürdig sind. " +
	"Du gibst AUSSCHLIESSLICH ein JSON-Objekt oder 'null' zurück.\n\n" +
	"Speichern:\n" +
	"- Biografische Infos, Rollen, Projekte, Events, Pläne, Entscheidungen,\n" +
	"  Präferenzen, wichtige Fakten, Lehrinhalte.\n" +
	"Nicht speichern:\n" +
	"- Rückfragen des Assistenten, rein kurzfristige Organisatorik,\n" +
	"  Smalltalk ohne Relevanz, Meta-Kommentare über das Modell.\n"

const classifierUserPrompt = `Text:
"""%s"""

Aufgabe:
1. Erkenne, ob der Text langfristig relevant ist.
2. Ermittele ein Projektlabel (z.B. "Jar-El", "KI-Literacy", "Erendria", "Allgemein").
3. Erzeuge einige thematische Tags (max. 5).
4. Bestimme "kind" (z.B. "identity", "preference", "project", "event", "fact", "note", "task", "artifact").
5. Setze "should_store" auf true, wenn der Inhalt speicherwürdig ist, sonst false.
6. Wenn es sich um ein Event handelt, fülle nach Möglichkeit event_name, date, location, people, orgs, topics.
7. Schätze eine confidence zwischen 0 und 1.

Format (JSON):
{
  "project": "...",
  "tags": ["...", "..."],
  "kind": "identity|preference|project|event|fact|note|task|artifact",
  "should_store": true/false,
  "event_name": null oder "...",
  "date": "YYYY-MM-DD" oder null,
  "end_date": null oder "YYYY-MM-DD",
  "location": null oder "...",
  "people": null oder ["Person A", "Person B"],
  "orgs": null oder ["Organisation A"],
  "topics": null oder ["Thema A", "Thema B"],
  "status": null,
  "deadline": null,
  "priority": null,
  "artifact_type": null,
  "file_name": null,
  "file_path": null,
  "confidence": Zahl zwischen 0 und 1,
  "visibility": "private"
}

Wenn der Inhalt NICHT speicherwürdig ist, gib exakt:
null
(zwei Zeichen, ohne Anführungszeichen) zurück.`

const classifierTemperature = 0.1

// Verdict is the outcome of classifying one observation: Skip or Store.
type Verdict interface {
	verdict()
}

// Skip means the text is not worth remembering.
type Skip struct{}

// Store carries the metadata for a text worth remembering. Fallback is set
// when the model output could not be decoded and DefaultMetadata was used.
type Store struct {
	Metadata memory.Metadata
	Fallback bool
}

func (Skip) verdict()  {}
func (Store) verdict() {}

// Classifier decides storage-worthiness and extracts metadata.
type Classifier struct {
	provider Provider
	logger   *logging.Logger
}

// NewClassifier creates a classifier. A nil logger discards warnings.
func NewClassifier(provider Provider, logger *logging.Logger) *Classifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Classifier{provider: provider, logger: logger.WithComponent("classifier")}
}

// Classify asks the model about text. Only a failed model call is returned as
// an error; unusable output becomes the fallback Store verdict.
func (c *Classifier) Classify(ctx context.Context, text string) (Verdict, error) {
	if c.provider == nil {
		return nil, errors.Upstream("llm", "no provider configured for classification", nil)
	}

	resp, err := c.provider.Chat(ctx, ChatRequest{
		Messages: []Message{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(classifierUserPrompt, text)},
		},
		Temperature: Temperature(classifierTemperature),
		Purpose:     "classify",
	})
	if err != nil {
		if errors.AsError(err) != nil {
			return nil, err
		}
		return nil, errors.Upstream("llm", "classification call failed", err)
	}

	verdict, decodeErr := DecodeVerdict(resp.Content)
	if decodeErr != nil {
		c.logger.Warn("malformed classifier output, using defaults", logging.Fields{
			"error":  decodeErr.Error(),
			"output": truncateOutput(resp.Content, 200),
		})
	}
	return verdict, nil
}

// classification mirrors the JSON object the model is asked for.
type classification struct {
	Project     string   `json:"project"`
	Tags        []string `json:"tags"`
	Kind        string   `json:"kind"`
	ShouldStore *bool    `json:"should_store"`
	Confidence  *float64 `json:"confidence"`
	Visibility  string   `json:"visibility"`

	EventName    string   `json:"event_name"`
	Date         string   `json:"date"`
	EndDate      string   `json:"end_date"`
	Location     string   `json:"location"`
	People       []string `json:"people"`
	Orgs         []string `json:"orgs"`
	Topics       []string `json:"topics"`
	Status       string   `json:"status"`
	Deadline     string   `json:"deadline"`
	Priority     string   `json:"priority"`
	ArtifactType string   `json:"artifact_type"`
	FileName     string   `json:"file_name"`
	FilePath     string   `json:"file_path"`
}

// DecodeVerdict turns raw model output into a verdict. It always returns a
// usable verdict; a non-nil error describes why the fallback was chosen.
func DecodeVerdict(output string) (Verdict, error) {
	content := stripFences(output)
	if strings.EqualFold(content, "null") {
		return Skip{}, nil
	}

	fallback := Store{Metadata: memory.DefaultMetadata(), Fallback: true}

	if !strings.HasPrefix(content, "{") {
		return fallback, errors.InvalidInput("output is neither a JSON object nor null")
	}
	var c classification
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	if err := dec.Decode(&c); err != nil {
		return fallback, errors.Wrap(err, "decode classification")
	}
	if c.ShouldStore != nil && !*c.ShouldStore {
		return Skip{}, nil
	}

	kind, err := memory.ParseKind(c.Kind)
	if err != nil {
		return fallback, err
	}
	confidence := memory.DefaultConfidence
	if c.Confidence != nil {
		confidence = *c.Confidence
		if confidence < 0 || confidence > 1 {
			return fallback, errors.Newf(errors.ErrCodeInvalidInput, "confidence %v outside [0,1]", confidence)
		}
	}

	meta := memory.Metadata{
		Project:      c.Project,
		Tags:         c.Tags,
		Kind:         kind,
		Confidence:   confidence,
		Visibility:   strings.TrimSpace(c.Visibility),
		EventName:    c.EventName,
		Date:         c.Date,
		EndDate:      c.EndDate,
		Location:     c.Location,
		People:       c.People,
		Orgs:         c.Orgs,
		Topics:       c.Topics,
		Status:       c.Status,
		Deadline:     c.Deadline,
		Priority:     c.Priority,
		ArtifactType: c.ArtifactType,
		FileName:     c.FileName,
		FilePath:     c.FilePath,
	}
	return Store{Metadata: meta.WithDefaults()}, nil
}

// stripFences trims whitespace and a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	// Drop a language tag such as ```json.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		if tag := strings.ToLower(strings.TrimSpace(s[:i])); tag == "json" || tag == "" {
			s = s[i+1:]
		}
	}
	return strings.TrimSpace(s)
}

func truncateOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
