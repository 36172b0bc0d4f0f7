// Package graphmap converts the editor's graph into the Engine's wire shape,
// enforces the size caps locally, and derives the deterministic client hash
// and per-request idempotency key.
package graphmap

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UINode is a node as the editor holds it. Only ID, Label and Body reach the wire.
type UINode struct {
	ID       string         `json:"id"`
	Type     string         `json:"type,omitempty"`
	Label    string         `json:"label"`
	Body     string         `json:"body,omitempty"`
	Position Position       `json:"position"`
	Selected bool           `json:"selected,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// UIEdge is an edge as the editor holds it. A nil Weight means full positive influence.
type UIEdge struct {
	ID       string   `json:"id,omitempty"`
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Weight   *float64 `json:"weight,omitempty"`
	Label    string   `json:"label,omitempty"`
	Selected bool     `json:"selected,omitempty"`
}

type UIGraph struct {
	Nodes []UINode `json:"nodes"`
	Edges []UIEdge `json:"edges"`
}

// ToWireGraph strips UI-only state and normalizes weights. It fails with
// BAD_INPUT on blank ids, blank endpoints, non-finite weights, or weights
// outside [-1,1] after percentage normalization.
func ToWireGraph(g UIGraph) (contract.WireGraph, error) {
	out := contract.WireGraph{
		Nodes: make([]contract.WireNode, 0, len(g.Nodes)),
		Edges: make([]contract.WireEdge, 0, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			return contract.WireGraph{}, contract.BadInput("nodes", "node %d has no id", i)
		}
		out.Nodes = append(out.Nodes, contract.WireNode{ID: id, Label: n.Label, Body: n.Body})
	}
	for i, e := range g.Edges {
		from := strings.TrimSpace(e.Source)
		to := strings.TrimSpace(e.Target)
		if from == "" || to == "" {
			return contract.WireGraph{}, contract.BadInput("edges", "edge %d has a missing endpoint", i)
		}
		w, err := normalizeWeight(e.Weight)
		if err != nil {
			err.Message = "edge " + from + "->" + to + ": " + err.Message
			return contract.WireGraph{}, err
		}
		out.Edges = append(out.Edges, contract.WireEdge{From: from, To: to, Weight: w})
	}
	return out, nil
}

// NormalizeWeight applies the percentage rule: |v| > 1 is divided by 100.
func NormalizeWeight(v float64) (float64, error) {
	w, err := normalizeWeight(&v)
	if err != nil {
		return 0, err
	}
	return w, nil
}

func normalizeWeight(p *float64) (float64, *contract.Error) {
	if p == nil {
		return 1, nil
	}
	v := *p
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, contract.BadInput("weight", "weight is not a finite number")
	}
	if math.Abs(v) > 1 {
		v = v / 100
	}
	if math.Abs(v) > 1 {
		return 0, contract.BadInput("weight", "weight %v is outside [-1,1] after normalization", *p)
	}
	return v, nil
}

// ValidateLimits checks counts and text lengths against lim. Zero caps are
// treated as unlimited. Returns nil when the graph fits.
func ValidateLimits(g contract.WireGraph, lim contract.Limits) *contract.Error {
	if lim.MaxNodes > 0 && len(g.Nodes) > lim.MaxNodes {
		return contract.LimitExceeded("nodes", lim.MaxNodes, "graph has %d nodes, max %d", len(g.Nodes), lim.MaxNodes)
	}
	if lim.MaxEdges > 0 && len(g.Edges) > lim.MaxEdges {
		return contract.LimitExceeded("edges", lim.MaxEdges, "graph has %d edges, max %d", len(g.Edges), lim.MaxEdges)
	}
	for _, n := range g.Nodes {
		if lim.MaxLabelLen > 0 && utf8.RuneCountInString(n.Label) > lim.MaxLabelLen {
			e := contract.BadInput("label", "label of node %s exceeds %d characters", n.ID, lim.MaxLabelLen)
			e.Fields.Max = lim.MaxLabelLen
			return e
		}
		if lim.MaxBodyLen > 0 && utf8.RuneCountInString(n.Body) > lim.MaxBodyLen {
			e := contract.BadInput("body", "body of node %s exceeds %d characters", n.ID, lim.MaxBodyLen)
			e.Fields.Max = lim.MaxBodyLen
			return e
		}
	}
	return nil
}

// ComputeClientHash returns the lowercase hex BLAKE3-256 digest of the graph
// and seed. Node and edge order do not matter.
func ComputeClientHash(g contract.WireGraph, seed int64) string {
	nodes := append([]contract.WireNode(nil), g.Nodes...)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ID != nodes[j].ID {
			return nodes[i].ID < nodes[j].ID
		}
		if nodes[i].Label != nodes[j].Label {
			return nodes[i].Label < nodes[j].Label
		}
		return nodes[i].Body < nodes[j].Body
	})
	edges := append([]contract.WireEdge(nil), g.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return canonicalWeight(edges[i].Weight) < canonicalWeight(edges[j].Weight)
	})

	h := blake3.New()
	var num [8]byte
	writeStr := func(s string) {
		binary.BigEndian.PutUint64(num[:], uint64(len(s)))
		_, _ = h.Write(num[:])
		_, _ = h.Write([]byte(s))
	}
	writeU64 := func(v uint64) {
		binary.BigEndian.PutUint64(num[:], v)
		_, _ = h.Write(num[:])
	}

	writeStr("dgraph.client_hash.v1")
	writeU64(uint64(len(nodes)))
	for _, n := range nodes {
		writeStr(n.ID)
		writeStr(n.Label)
		writeStr(n.Body)
	}
	writeU64(uint64(len(edges)))
	for _, e := range edges {
		writeStr(e.From)
		writeStr(e.To)
		writeU64(math.Float64bits(canonicalWeight(e.Weight)))
	}
	writeU64(uint64(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalWeight folds negative zero into zero.
func canonicalWeight(w float64) float64 {
	if w == 0 {
		return 0
	}
	return w
}

// ComputeTemplateHash is the client hash of a run that names a stored
// template instead of carrying a graph.
func ComputeTemplateHash(templateID string, seed int64) string {
	h := blake3.New()
	var num [8]byte
	_, _ = h.Write([]byte("dgraph.template_hash.v1"))
	binary.BigEndian.PutUint64(num[:], uint64(len(templateID)))
	_, _ = h.Write(num[:])
	_, _ = h.Write([]byte(templateID))
	binary.BigEndian.PutUint64(num[:], uint64(seed))
	_, _ = h.Write(num[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeRequestKey is the Idempotency-Key header value: a BLAKE3-256 digest
// of the whole encoded run request. Debug is left out so a debug run replays
// the same result.
func ComputeRequestKey(wire contract.WireRunRequest) (string, error) {
	wire.Debug = false
	if wire.Graph != nil {
		g := *wire.Graph
		g.Edges = append([]contract.WireEdge(nil), g.Edges...)
		for i := range g.Edges {
			g.Edges[i].Weight = canonicalWeight(g.Edges[i].Weight)
		}
		wire.Graph = &g
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	var num [8]byte
	_, _ = h.Write([]byte("dgraph.request_key.v1"))
	binary.BigEndian.PutUint64(num[:], uint64(len(body)))
	_, _ = h.Write(num[:])
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
