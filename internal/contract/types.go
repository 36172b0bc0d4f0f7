// Package contract defines the canonical values exchanged between the engine
// client runtime and its callers, and the wire shapes sent to the Engine.
package contract

import (
	"encoding/json"
	"time"
)

// ReportSchema is the version tag carried by every canonical Report.
const ReportSchema = "report.v1"

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Rank orders levels low < medium < high. Unknown levels rank below low.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	}
	return 0
}

type Polarity string

const (
	PolarityUp      Polarity = "up"
	PolarityDown    Polarity = "down"
	PolarityNeutral Polarity = "neutral"
)

type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Report is the single normalized shape every Engine response collapses into.
type Report struct {
	Schema       string          `json:"schema"`
	Meta         Meta            `json:"meta"`
	ModelCard    ModelCard       `json:"model_card"`
	Results      Results         `json:"results"`
	Confidence   Confidence      `json:"confidence"`
	Drivers      []Driver        `json:"drivers"`
	Critique     []Critique      `json:"critique,omitempty"`
	ExplainDelta json.RawMessage `json:"explain_delta,omitempty"`
	Provenance   json.RawMessage `json:"provenance,omitempty"`
	Debug        *Debug          `json:"debug,omitempty"`
}

type Meta struct {
	Seed       int64  `json:"seed"`
	ResponseID string `json:"response_id,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

type ModelCard struct {
	ResponseHash     string `json:"response_hash"`
	ResponseHashAlgo string `json:"response_hash_algo,omitempty"`
	Normalized       bool   `json:"normalized"`
}

type Results struct {
	Conservative float64 `json:"conservative"`
	Likely       float64 `json:"likely"`
	Optimistic   float64 `json:"optimistic"`
	Units        string  `json:"units"`
}

type Confidence struct {
	Level Level    `json:"level"`
	Why   string   `json:"why"`
	Score *float64 `json:"score,omitempty"`
}

type Driver struct {
	Label    string   `json:"label"`
	Polarity Polarity `json:"polarity"`
	Strength Level    `json:"strength"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeID   string   `json:"edge_id,omitempty"`
}

type Critique struct {
	Severity Severity `json:"severity"`
	Note     string   `json:"note"`
}

// Debug slices are passed through verbatim and never hashed.
type Debug struct {
	Compare   json.RawMessage `json:"compare,omitempty"`
	Inspector json.RawMessage `json:"inspector,omitempty"`
}

// WireNode is the only node shape the Engine accepts.
type WireNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Body  string `json:"body,omitempty"`
}

// WireEdge is the only edge shape the Engine accepts.
type WireEdge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

type WireGraph struct {
	Nodes []WireNode `json:"nodes"`
	Edges []WireEdge `json:"edges"`
}

// WireRunRequest is the body of POST /v1/run, /v1/stream and /v1/validate.
type WireRunRequest struct {
	TemplateID    string     `json:"template_id,omitempty"`
	Graph         *WireGraph `json:"graph,omitempty"`
	Seed          int64      `json:"seed"`
	TreatmentNode string     `json:"treatment_node,omitempty"`
	OutcomeNode   string     `json:"outcome_node,omitempty"`
	Samples       int        `json:"samples,omitempty"`
	Baseline      *float64   `json:"baseline,omitempty"`
	Debug         bool       `json:"debug,omitempty"`
	ClientHash    string     `json:"client_hash,omitempty"`
}

// Limits are the Engine's size caps.
type Limits struct {
	MaxNodes    int `json:"max_nodes"`
	MaxEdges    int `json:"max_edges"`
	MaxLabelLen int `json:"max_label_len"`
	MaxBodyLen  int `json:"max_body_len"`
}

// DefaultLimits are the built-in caps used when the live limits are
// unavailable and the fallback policy allows substitution.
func DefaultLimits() Limits {
	return Limits{MaxNodes: 50, MaxEdges: 200, MaxLabelLen: 120, MaxBodyLen: 2000}
}

type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	DefaultSeed int64  `json:"default_seed,omitempty"`
}

type TemplateList struct {
	Templates []Template `json:"templates"`
}

type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	UptimeS int64  `json:"uptime_s,omitempty"`
}

// Version is the GET /v1/version capability document.
type Version struct {
	API          string          `json:"api"`
	Build        string          `json:"build,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Features     []string        `json:"features,omitempty"`
}

type ShareRequest struct {
	Graph  WireGraph `json:"graph"`
	Report *Report   `json:"report,omitempty"`
	Title  string    `json:"title,omitempty"`
}

type ShareResponse struct {
	ShareID   string    `json:"share_id"`
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type SharedScenario struct {
	ShareID   string    `json:"share_id"`
	Title     string    `json:"title,omitempty"`
	Graph     WireGraph `json:"graph"`
	Report    *Report   `json:"report,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ValidateResponse is the POST /v1/validate body.
type ValidateResponse struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

type Violation struct {
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Max     int    `json:"max,omitempty"`
}
