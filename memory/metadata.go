package memory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/memoryd/errors"
)

// Payload keys with fixed meaning.
const (
	KeyText          = "text"
	KeyProject       = "project"
	KeyTags          = "tags"
	KeyKind          = "kind"
	KeyConsolidated  = "consolidated"
	KeySourceRole    = "source_role"
	KeySourceChannel = "source_channel"
	KeySourceHost    = "source_host"
	KeyCreatedAt     = "created_at"
	KeyConfidence    = "confidence"
	KeyVisibility    = "visibility"
	KeySourceCount   = "source_count"
)

// Defaults applied to classified metadata.
const (
	DefaultProject    = "Allgemein"
	DefaultConfidence = 0.9
	DefaultVisibility = "private"
	MaxTags           = 5
)

// Kind classifies what a memory is about.
type Kind string

const (
	KindIdentity   Kind = "identity"
	KindPreference Kind = "preference"
	KindProject    Kind = "project"
	KindEvent      Kind = "event"
	KindFact       Kind = "fact"
	KindNote       Kind = "note"
	KindTask       Kind = "task"
	KindArtifact   Kind = "artifact"
	KindSummary    Kind = "summary"
)

var kinds = map[Kind]bool{
	KindIdentity: true, KindPreference: true, KindProject: true, KindEvent: true,
	KindFact: true, KindNote: true, KindTask: true, KindArtifact: true, KindSummary: true,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return kinds[k] }

// ParseKind returns the kind named by s. Empty input yields KindNote.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return KindNote, nil
	}
	k := Kind(s)
	if !k.Valid() {
		return "", errors.Newf(errors.ErrCodeInvalidInput, "unknown kind %q", s)
	}
	return k, nil
}

// Metadata is the structured description the classifier produces for an
// observation. Optional fields are left empty when absent.
type Metadata struct {
	Project    string   `json:"project"`
	Tags       []string `json:"tags"`
	Kind       Kind     `json:"kind"`
	Confidence float64  `json:"confidence"`
	Visibility string   `json:"visibility"`

	EventName    string   `json:"event_name,omitempty"`
	Date         string   `json:"date,omitempty"`
	EndDate      string   `json:"end_date,omitempty"`
	Location     string   `json:"location,omitempty"`
	People       []string `json:"people,omitempty"`
	Orgs         []string `json:"orgs,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	Status       string   `json:"status,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	ArtifactType string   `json:"artifact_type,omitempty"`
	FileName     string   `json:"file_name,omitempty"`
	FilePath     string   `json:"file_path,omitempty"`
}

// DefaultMetadata is used when the classifier output cannot be decoded.
func DefaultMetadata() Metadata {
	return Metadata{
		Project:    DefaultProject,
		Tags:       []string{},
		Kind:       KindNote,
		Confidence: DefaultConfidence,
		Visibility: DefaultVisibility,
	}
}

// WithDefaults fills absent mandatory fields and normalizes tags.
func (m Metadata) WithDefaults() Metadata {
	m.Project = strings.TrimSpace(m.Project)
	if m.Project == "" {
		m.Project = DefaultProject
	}
	if m.Kind == "" {
		m.Kind = KindNote
	}
	if m.Visibility == "" {
		m.Visibility = DefaultVisibility
	}
	m.Tags = NormalizeTags(m.Tags)
	return m
}

// Payload renders the metadata as a store payload. Optional keys appear only
// when set.
func (m Metadata) Payload() Payload {
	m = m.WithDefaults()
	p := Payload{
		KeyProject:    m.Project,
		KeyTags:       m.Tags,
		KeyKind:       string(m.Kind),
		KeyConfidence: m.Confidence,
		KeyVisibility: m.Visibility,
	}
	optional := []struct {
		key   string
		value string
	}{
		{"event_name", m.EventName},
		{"date", m.Date},
		{"end_date", m.EndDate},
		{"location", m.Location},
		{"status", m.Status},
		{"deadline", m.Deadline},
		{"priority", m.Priority},
		{"artifact_type", m.ArtifactType},
		{"file_name", m.FileName},
		{"file_path", m.FilePath},
	}
	for _, o := range optional {
		if o.value != "" {
			p[o.key] = o.value
		}
	}
	if len(m.People) > 0 {
		p["people"] = m.People
	}
	if len(m.Orgs) > 0 {
		p["orgs"] = m.Orgs
	}
	if len(m.Topics) > 0 {
		p["topics"] = m.Topics
	}
	return p
}

// NormalizeTags trims tags, drops empty and duplicate entries and keeps at
// most MaxTags. The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

// Payload is the JSON object stored next to each vector.
type Payload map[string]any

// Clone returns a shallow copy that is never nil.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value at key if it is a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Bool returns the value at key if it is a bool.
func (p Payload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Project returns the project label, defaulting to DefaultProject.
func (p Payload) Project() string {
	if s := strings.TrimSpace(p.String(KeyProject)); s != "" {
		return s
	}
	return DefaultProject
}

// Tags returns the tag list whether it was stored as []string or decoded
// from JSON as []any.
func (p Payload) Tags() []string {
	switch v := p[KeyTags].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// WithoutText returns a copy without the stored text.
func (p Payload) WithoutText() Payload {
	out := p.Clone()
	delete(out, KeyText)
	return out
}

// Timestamp formats t the way created_at is stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

// termValue renders a payload value as the exact term it is indexed under.
func termValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func itoa(i int) string { return strconv.Itoa(i) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
