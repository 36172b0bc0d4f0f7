package mockengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

type driver struct {
	Label    string `json:"label"`
	Polarity string `json:"polarity"`
	Strength string `json:"strength"`
	NodeID   string `json:"node_id,omitempty"`
}

// outcome is the shape-independent result of one fake analysis.
type outcome struct {
	ResponseID   string
	Seed         int64
	Conservative float64
	Likely       float64
	Optimistic   float64
	Units        string
	Score        float64
	Reason       string
	ElapsedMS    int64
	Hash         string
	Drivers      []driver
	Debug        bool
	TemplateID   string
}

// analyze derives a deterministic outcome from the request. Templates carry
// fixed bands; inline graphs are scored from their weights.
func analyze(req contract.WireRunRequest, tmpl *templateEntry, responseID string) outcome {
	o := outcome{ResponseID: responseID, Seed: req.Seed, Debug: req.Debug, TemplateID: req.TemplateID}
	g := req.Graph
	if tmpl != nil {
		o.Conservative, o.Likely, o.Optimistic = tmpl.Bands[0], tmpl.Bands[1], tmpl.Bands[2]
		o.Units = tmpl.Units
		o.Score = tmpl.Score
		o.ElapsedMS = tmpl.ElapsedMS
		if g == nil {
			g = &tmpl.Graph
		}
	} else {
		var sum float64
		for _, e := range g.Edges {
			sum += e.Weight
		}
		o.Likely = round2(10 + 5*sum + float64(len(g.Nodes)))
		o.Conservative = round2(o.Likely * 0.9)
		o.Optimistic = round2(o.Likely * 1.13)
		o.Units = "units"
		o.Score = math.Min(0.95, 0.3+0.05*float64(len(g.Edges)))
		o.ElapsedMS = 100 + 10*int64(len(g.Nodes))
	}
	o.Reason = fmt.Sprintf("%d nodes, %d edges considered", len(g.Nodes), len(g.Edges))
	o.Hash = responseHash(req, g)

	for i, n := range g.Nodes {
		if i == 3 {
			break
		}
		pol, str := "up", "medium"
		if i < len(g.Edges) && g.Edges[i].Weight < 0 {
			pol = "down"
		}
		if i == 0 {
			str = "high"
		}
		o.Drivers = append(o.Drivers, driver{Label: n.Label, Polarity: pol, Strength: str, NodeID: n.ID})
	}
	return o
}

func responseHash(req contract.WireRunRequest, g *contract.WireGraph) string {
	graph, _ := json.Marshal(g)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s|%d", req.TemplateID, graph, req.Seed, req.TreatmentNode, req.OutcomeNode, req.Samples)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func level(score float64) string {
	switch {
	case score >= 0.7:
		return "high"
	case score >= 0.4:
		return "medium"
	}
	return "low"
}

// render encodes an outcome in the requested wire revision.
func render(shape Shape, o outcome, missingHash bool) map[string]any {
	hash := o.Hash
	if missingHash {
		hash = ""
	}
	summary := map[string]any{
		"conservative": o.Conservative,
		"likely":       o.Likely,
		"optimistic":   o.Optimistic,
		"units":        o.Units,
	}
	var out map[string]any
	switch shape {
	case ShapeV11:
		result := map[string]any{"summary": summary}
		if hash != "" {
			result["response_hash"] = hash
		}
		out = map[string]any{
			"schema": "report.v1.1",
			"result": result,
			"confidence": map[string]any{
				"level":  level(o.Score),
				"score":  o.Score,
				"reason": o.Reason,
			},
			"explain_delta": map[string]any{"top_drivers": o.Drivers},
			"critique":      critique(o),
			"provenance":    map[string]any{"engine": "mock", "template_id": o.TemplateID},
			"meta": map[string]any{
				"seed":        o.Seed,
				"response_id": o.ResponseID,
				"elapsed_ms":  o.ElapsedMS,
			},
		}
	case ShapeV12:
		run := map[string]any{
			"bands":       map[string]any{"p10": o.Conservative, "p50": o.Likely, "p90": o.Optimistic},
			"units":       o.Units,
			"response_id": o.ResponseID,
			"seed":        o.Seed,
			"elapsed_ms":  o.ElapsedMS,
			"confidence":  map[string]any{"score": o.Score, "reason": o.Reason},
			"drivers":     o.Drivers,
		}
		if hash != "" {
			run["response_hash"] = hash
		}
		out = map[string]any{"schema": "run.v1.2", "run": run}
	default:
		result := map[string]any{
			"summary":     summary,
			"confidence":  o.Score,
			"response_id": o.ResponseID,
			"seed":        o.Seed,
			"explain":     map[string]any{"top_drivers": o.Drivers, "rationale": o.Reason},
		}
		if hash != "" {
			result["response_hash"] = hash
		}
		out = map[string]any{"result": result, "execution_ms": o.ElapsedMS}
	}
	if o.Debug {
		out["debug"] = map[string]any{
			"compare":   map[string]any{"baseline": o.Conservative, "delta": round2(o.Likely - o.Conservative)},
			"inspector": map[string]any{"drivers": len(o.Drivers), "shape": string(shape)},
		}
	}
	return out
}

func critique(o outcome) []map[string]string {
	var out []map[string]string
	if len(o.Drivers) < 2 {
		out = append(out, map[string]string{"severity": "warning", "note": "few influencing factors"})
	}
	if o.Score < 0.4 {
		out = append(out, map[string]string{"severity": "info", "note": "low evidence; widen the graph"})
	}
	return out
}
