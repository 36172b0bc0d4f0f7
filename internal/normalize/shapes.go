package normalize

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

// Shape identifies which Engine contract revision produced a payload.
type Shape int

const (
	// ShapeLegacy is the flat/nested `result.summary.*` payload with a scalar confidence.
	ShapeLegacy Shape = iota
	// ShapeV11 adds structured confidence, explain_delta, tiered critique and provenance.
	ShapeV11
	// ShapeV12 is the canonical run with `run.bands.{p10,p50,p90}`.
	ShapeV12
)

func (s Shape) String() string {
	switch s {
	case ShapeV11:
		return "v1.1"
	case ShapeV12:
		return "v1.2"
	default:
		return "legacy"
	}
}

type envelope struct {
	Schema       string          `json:"schema"`
	Result       *resultBlock    `json:"result"`
	Run          *runBlock       `json:"run"`
	Summary      *summaryBlock   `json:"summary"`
	Confidence   json.RawMessage `json:"confidence"`
	ExplainDelta json.RawMessage `json:"explain_delta"`
	Explain      *explainBlock   `json:"explain"`
	Drivers      []rawDriver     `json:"drivers"`
	Critique     json.RawMessage `json:"critique"`
	Provenance   json.RawMessage `json:"provenance"`
	ResponseHash string          `json:"response_hash"`
	ResponseID   string          `json:"response_id"`
	ModelCard    *modelCardBlock `json:"model_card"`
	Meta         *metaBlock      `json:"meta"`
	ExecutionMS  *float64        `json:"execution_ms"`
	Seed         *float64        `json:"seed"`
	Debug        *contract.Debug `json:"debug"`
}

type resultBlock struct {
	Summary      *summaryBlock   `json:"summary"`
	Confidence   json.RawMessage `json:"confidence"`
	ResponseHash string          `json:"response_hash"`
	ResponseID   string          `json:"response_id"`
	Seed         *float64        `json:"seed"`
	ElapsedMS    *float64        `json:"elapsed_ms"`
	Explain      *explainBlock   `json:"explain"`
	Drivers      []rawDriver     `json:"drivers"`
	Critique     json.RawMessage `json:"critique"`
	Debug        *contract.Debug `json:"debug"`
}

type runBlock struct {
	Bands        *bandsBlock     `json:"bands"`
	Units        string          `json:"units"`
	Confidence   json.RawMessage `json:"confidence"`
	ResponseHash string          `json:"response_hash"`
	ResponseID   string          `json:"response_id"`
	Seed         *float64        `json:"seed"`
	ElapsedMS    *float64        `json:"elapsed_ms"`
	Drivers      []rawDriver     `json:"drivers"`
}

type bandsBlock struct {
	P10 *float64 `json:"p10"`
	P50 *float64 `json:"p50"`
	P90 *float64 `json:"p90"`
}

type summaryBlock struct {
	Conservative *float64 `json:"conservative"`
	Likely       *float64 `json:"likely"`
	Optimistic   *float64 `json:"optimistic"`
	Units        string   `json:"units"`
}

type explainBlock struct {
	TopDrivers []rawDriver `json:"top_drivers"`
	Rationale  string      `json:"rationale"`
}

type modelCardBlock struct {
	ResponseHash     string `json:"response_hash"`
	ResponseHashAlgo string `json:"response_hash_algo"`
}

type metaBlock struct {
	Seed       *float64 `json:"seed"`
	ResponseID string   `json:"response_id"`
	ElapsedMS  *float64 `json:"elapsed_ms"`
}

type rawDriver struct {
	Label    string          `json:"label"`
	Polarity string          `json:"polarity"`
	Strength json.RawMessage `json:"strength"`
	NodeID   string          `json:"node_id"`
	EdgeID   string          `json:"edge_id"`
}

type structuredConfidence struct {
	Level  string   `json:"level"`
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

type rawCritique struct {
	Severity string `json:"severity"`
	Note     string `json:"note"`
	Message  string `json:"message"`
	Text     string `json:"text"`
}

// Detect classifies an envelope. The newest recognizable marker wins.
func (e *envelope) Detect() Shape {
	if e.Run != nil && e.Run.Bands != nil {
		return ShapeV12
	}
	if strings.HasPrefix(e.Schema, "report.v1.2") || strings.HasPrefix(e.Schema, "run.v1.2") {
		return ShapeV12
	}
	if strings.HasPrefix(e.Schema, "report.v1.1") || isObject(e.Confidence) ||
		len(e.ExplainDelta) > 0 || len(e.Provenance) > 0 {
		return ShapeV11
	}
	return ShapeLegacy
}

// Detect reports the shape of a raw payload.
func Detect(payload []byte) (Shape, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ShapeLegacy, err
	}
	return env.Detect(), nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
