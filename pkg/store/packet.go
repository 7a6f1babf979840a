package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FragmentType classifies the payload of a fragment.
type FragmentType string

const (
	FragmentTypeText     FragmentType = "text"
	FragmentTypeCode     FragmentType = "code"
	FragmentTypeData     FragmentType = "data"
	FragmentTypeMetadata FragmentType = "metadata"
	FragmentTypeDecision FragmentType = "decision"
)

// Valid reports whether t is one of the known fragment types.
// The empty type is accepted and treated as text.
func (t FragmentType) Valid() bool {
	switch t {
	case "", FragmentTypeText, FragmentTypeCode, FragmentTypeData, FragmentTypeMetadata, FragmentTypeDecision:
		return true
	}
	return false
}

// FragmentMetadata describes where a fragment came from and how much it matters.
type FragmentMetadata struct {
	SourceAgent string       `json:"source_agent,omitempty"`
	Confidence  float64      `json:"confidence"`
	Importance  float64      `json:"importance"` // 0..1, used by pruning and merge
	Type        FragmentType `json:"type,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Tags        []string     `json:"tags,omitempty"`
}

// Fragment is one immutable, independently identified unit of content.
// Content updates are modeled as a new fragment with a new ID.
type Fragment struct {
	FragmentID string           `json:"fragment_id"`
	Content    json.RawMessage  `json:"content"`
	Embedding  []float32        `json:"embedding,omitempty"`
	Metadata   FragmentMetadata `json:"metadata"`
}

// NewTextFragment builds a text fragment with a fresh ID.
func NewTextFragment(text, sourceAgent string, importance float64) Fragment {
	return Fragment{
		FragmentID: uuid.New().String(),
		Content:    TextContent(text),
		Metadata: FragmentMetadata{
			SourceAgent: sourceAgent,
			Confidence:  1.0,
			Importance:  importance,
			Type:        FragmentTypeText,
			CreatedAt:   time.Now().UTC(),
		},
	}
}

// TextContent encodes a plain string as fragment content.
func TextContent(text string) json.RawMessage {
	b, _ := json.Marshal(text)
	return b
}

// Text returns the string used to embed the fragment: the decoded value when
// the content is a JSON string, otherwise the raw JSON text.
func (f *Fragment) Text() string {
	var s string
	if err := json.Unmarshal(f.Content, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(f.Content))
}

// Clone returns a deep copy of the fragment.
func (f Fragment) Clone() Fragment {
	out := f
	if f.Content != nil {
		out.Content = append(json.RawMessage(nil), f.Content...)
	}
	if f.Embedding != nil {
		out.Embedding = append([]float32(nil), f.Embedding...)
	}
	if f.Metadata.Tags != nil {
		out.Metadata.Tags = append([]string(nil), f.Metadata.Tags...)
	}
	return out
}

// Validate checks the fragment fields that callers supply.
func (f *Fragment) Validate() error {
	if len(f.Content) == 0 || string(f.Content) == "null" {
		return fmt.Errorf("fragment %q: content is required", f.FragmentID)
	}
	if !json.Valid(f.Content) {
		return fmt.Errorf("fragment %q: content must be valid JSON", f.FragmentID)
	}
	if f.Metadata.Importance < 0 || f.Metadata.Importance > 1 {
		return fmt.Errorf("fragment %q: importance must be within [0,1]", f.FragmentID)
	}
	if f.Metadata.Confidence < 0 || f.Metadata.Confidence > 1 {
		return fmt.Errorf("fragment %q: confidence must be within [0,1]", f.FragmentID)
	}
	if !f.Metadata.Type.Valid() {
		return fmt.Errorf("fragment %q: unknown type %q", f.FragmentID, f.Metadata.Type)
	}
	return nil
}

// Normalize fills generated defaults: a fresh ID, creation time and type.
func (f *Fragment) Normalize(now time.Time) {
	if f.FragmentID == "" {
		f.FragmentID = uuid.New().String()
	}
	if f.Metadata.CreatedAt.IsZero() {
		f.Metadata.CreatedAt = now
	}
	if f.Metadata.Type == "" {
		f.Metadata.Type = FragmentTypeText
	}
}

// ConflictPair is a pair of fragments whose embeddings are similar enough to
// suggest overlapping or contradictory content.
type ConflictPair struct {
	FragmentA  string  `json:"fragment_a"`
	FragmentB  string  `json:"fragment_b"`
	Similarity float64 `json:"similarity"`
}

// DecisionRecord is an append-only entry in a packet's decision trace.
type DecisionRecord struct {
	Agent             string            `json:"agent"`
	Operation         string            `json:"operation,omitempty"`
	Decision          string            `json:"decision"`
	Reasoning         string            `json:"reasoning"`
	Timestamp         time.Time         `json:"timestamp"`
	AffectedFragments []string          `json:"affected_fragments,omitempty"`
	Conflicts         []ConflictPair    `json:"conflicts,omitempty"`
	Reasons           map[string]string `json:"reasons,omitempty"` // fragment ID -> why it was removed
}

// Clone returns a deep copy of the record.
func (d DecisionRecord) Clone() DecisionRecord {
	out := d
	if d.AffectedFragments != nil {
		out.AffectedFragments = append([]string(nil), d.AffectedFragments...)
	}
	if d.Conflicts != nil {
		out.Conflicts = append([]ConflictPair(nil), d.Conflicts...)
	}
	if d.Reasons != nil {
		out.Reasons = make(map[string]string, len(d.Reasons))
		for k, v := range d.Reasons {
			out.Reasons[k] = v
		}
	}
	return out
}

// ContextPacket is the canonical, versioned bundle of fragments, decisions and
// metadata for one collaboration session.
type ContextPacket struct {
	ContextID     string           `json:"context_id"`
	SessionID     string           `json:"session_id"`
	Fragments     []Fragment       `json:"fragments"`
	DecisionTrace []DecisionRecord `json:"decision_trace"`
	Metadata      map[string]any   `json:"metadata"`
	Version       int              `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the packet. Coordinators mutate clones only.
func (p *ContextPacket) Clone() *ContextPacket {
	if p == nil {
		return nil
	}
	out := *p
	out.Fragments = make([]Fragment, len(p.Fragments))
	for i, f := range p.Fragments {
		out.Fragments[i] = f.Clone()
	}
	out.DecisionTrace = make([]DecisionRecord, len(p.DecisionTrace))
	for i, d := range p.DecisionTrace {
		out.DecisionTrace[i] = d.Clone()
	}
	out.Metadata = cloneMap(p.Metadata)
	return &out
}

// Fragment returns the fragment with the given ID.
func (p *ContextPacket) Fragment(id string) (*Fragment, bool) {
	for i := range p.Fragments {
		if p.Fragments[i].FragmentID == id {
			return &p.Fragments[i], true
		}
	}
	return nil, false
}

// FragmentIDs returns the fragment IDs in insertion order.
func (p *ContextPacket) FragmentIDs() []string {
	ids := make([]string, len(p.Fragments))
	for i, f := range p.Fragments {
		ids[i] = f.FragmentID
	}
	return ids
}

// VersionSnapshot is an immutable, timestamped copy of a packet.
type VersionSnapshot struct {
	VersionID     string         `json:"version_id"`
	ContextID     string         `json:"context_id"`
	VersionNumber int            `json:"version_number"`
	Label         string         `json:"label,omitempty"`
	Summary       string         `json:"summary"`
	Timestamp     time.Time      `json:"timestamp"`
	Packet        *ContextPacket `json:"snapshot"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}
