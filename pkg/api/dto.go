package api

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/dan-solli/ctxrelay/pkg/ctxrelay"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("unitinterval", validateUnitInterval)
	}
}

// validateUnitInterval accepts numbers within [0,1].
func validateUnitInterval(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return f >= 0 && f <= 1
}

type fragmentMetadataDTO struct {
	SourceAgent string    `json:"source_agent"`
	Confidence  *float64  `json:"confidence" binding:"omitempty,unitinterval"`
	Importance  *float64  `json:"importance" binding:"omitempty,unitinterval"`
	Type        string    `json:"type" binding:"omitempty,oneof=text code data metadata decision"`
	CreatedAt   time.Time `json:"created_at"`
	Tags        []string  `json:"tags"`
}

type fragmentDTO struct {
	FragmentID string              `json:"fragment_id"`
	Content    json.RawMessage     `json:"content" binding:"required"`
	Embedding  []float32           `json:"embedding"`
	Metadata   fragmentMetadataDTO `json:"metadata"`
}

// toFragment applies request defaults: full confidence and neutral importance.
func (d fragmentDTO) toFragment() store.Fragment {
	f := store.Fragment{
		FragmentID: d.FragmentID,
		Content:    d.Content,
		Embedding:  d.Embedding,
		Metadata: store.FragmentMetadata{
			SourceAgent: d.Metadata.SourceAgent,
			Confidence:  1.0,
			Importance:  0.5,
			Type:        store.FragmentType(d.Metadata.Type),
			CreatedAt:   d.Metadata.CreatedAt,
			Tags:        d.Metadata.Tags,
		},
	}
	if d.Metadata.Confidence != nil {
		f.Metadata.Confidence = *d.Metadata.Confidence
	}
	if d.Metadata.Importance != nil {
		f.Metadata.Importance = *d.Metadata.Importance
	}
	return f
}

func toFragments(in []fragmentDTO) []store.Fragment {
	out := make([]store.Fragment, len(in))
	for i, d := range in {
		out[i] = d.toFragment()
	}
	return out
}

type decisionDTO struct {
	Agent     string    `json:"agent"`
	Decision  string    `json:"decision" binding:"required"`
	Reasoning string    `json:"reasoning"`
	Timestamp time.Time `json:"timestamp"`
}

type initializeRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	// InitialInput is free text, or any other JSON value stored as a
	// single data fragment.
	InitialInput json.RawMessage `json:"initial_input"`
	Fragments    []fragmentDTO   `json:"fragments" binding:"dive"`
	Metadata     map[string]any  `json:"metadata"`
	SourceAgent  string          `json:"source_agent"`
}

type initializeResponse struct {
	ContextID     string               `json:"context_id"`
	ContextPacket *store.ContextPacket `json:"context_packet"`
}

type deltaDTO struct {
	NewFragments       []fragmentDTO `json:"new_fragments" binding:"dive"`
	RemovedFragmentIDs []string      `json:"removed_fragment_ids"`
	DecisionUpdates    []decisionDTO `json:"decision_updates" binding:"dive"`
}

type relayRequest struct {
	FromAgent       string   `json:"from_agent" binding:"required"`
	ToAgent         string   `json:"to_agent" binding:"required"`
	Delta           deltaDTO `json:"delta"`
	ExpectedVersion *int     `json:"expected_version" binding:"omitempty,min=0"`
}

type relayResponse struct {
	ContextPacket *store.ContextPacket `json:"context_packet"`
	Conflicts     []store.ConflictPair `json:"conflicts"`
}

type mergeRequest struct {
	ContextIDs    []string `json:"context_ids" binding:"required,min=2,dive,required"`
	MergeStrategy string   `json:"merge_strategy" binding:"required"`
	SessionID     string   `json:"session_id"`
}

type mergeResponse struct {
	MergedContext  *store.ContextPacket      `json:"merged_context"`
	ConflictReport *ctxrelay.ConflictReport `json:"conflict_report"`
}

type pruneRequest struct {
	PruningStrategy string `json:"pruning_strategy" binding:"required"`
	Budget          int    `json:"budget" binding:"required,min=1"`
}

type pruneResponse struct {
	PrunedContext *store.ContextPacket `json:"pruned_context"`
}

type versionRequest struct {
	VersionLabel string `json:"version_label"`
}

// versionInfo describes a snapshot without its packet.
type versionInfo struct {
	VersionID     string    `json:"version_id"`
	ContextID     string    `json:"context_id"`
	VersionNumber int       `json:"version_number"`
	Label         string    `json:"label,omitempty"`
	Summary       string    `json:"summary"`
	Timestamp     time.Time `json:"timestamp"`
	FragmentCount int       `json:"fragment_count"`
}

func toVersionInfo(s *store.VersionSnapshot) versionInfo {
	info := versionInfo{
		VersionID:     s.VersionID,
		ContextID:     s.ContextID,
		VersionNumber: s.VersionNumber,
		Label:         s.Label,
		Summary:       s.Summary,
		Timestamp:     s.Timestamp,
	}
	if s.Packet != nil {
		info.FragmentCount = len(s.Packet.Fragments)
	}
	return info
}

type versionsResponse struct {
	ContextID string        `json:"context_id"`
	Versions  []versionInfo `json:"versions"`
}

type searchRequest struct {
	Query    string   `json:"query" binding:"required"`
	Limit    int      `json:"limit" binding:"omitempty,min=1,max=20"`
	MinScore *float64 `json:"min_score" binding:"omitempty,unitinterval"`
}

type searchResponse struct {
	Results []ctxrelay.SimilarFragment `json:"results"`
	Count   int                        `json:"count"`
}

type errorBody struct {
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	CurrentVersion *int     `json:"current_version,omitempty"`
	MissingIDs     []string `json:"missing_ids,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}
