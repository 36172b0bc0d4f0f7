package mockengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

type templateEntry struct {
	contract.Template
	Graph     contract.WireGraph
	Bands     [3]float64
	Units     string
	Score     float64
	ElapsedMS int64
}

type templateStore struct {
	byID map[string]*templateEntry
}

func newTemplateStore() *templateStore {
	s := &templateStore{byID: map[string]*templateEntry{}}
	s.add(&templateEntry{
		Template: contract.Template{ID: "t", Name: "Demand forecast", Version: "1", Description: "Price and promotion effects on weekly demand", DefaultSeed: 42},
		Graph: contract.WireGraph{
			Nodes: []contract.WireNode{
				{ID: "price", Label: "Price"},
				{ID: "promo", Label: "Promotion"},
				{ID: "demand", Label: "Demand", Body: "weekly units sold"},
			},
			Edges: []contract.WireEdge{
				{From: "price", To: "demand", Weight: -0.6},
				{From: "promo", To: "demand", Weight: 0.4},
			},
		},
		Bands:     [3]float64{38, 42.5, 48},
		Units:     "units",
		Score:     0.85,
		ElapsedMS: 450,
	})
	s.add(&templateEntry{
		Template: contract.Template{ID: "hiring", Name: "Hiring plan", Version: "2", DefaultSeed: 7},
		Graph: contract.WireGraph{
			Nodes: []contract.WireNode{
				{ID: "budget", Label: "Budget"},
				{ID: "hires", Label: "Hires"},
				{ID: "velocity", Label: "Team velocity"},
			},
			Edges: []contract.WireEdge{
				{From: "budget", To: "hires", Weight: 0.8},
				{From: "hires", To: "velocity", Weight: 0.5},
			},
		},
		Bands:     [3]float64{3, 4, 6},
		Units:     "engineers",
		Score:     0.5,
		ElapsedMS: 320,
	})
	return s
}

func (s *templateStore) add(t *templateEntry) { s.byID[t.ID] = t }

func (s *templateStore) get(id string) (*templateEntry, bool) {
	t, ok := s.byID[id]
	return t, ok
}

func (s *templateStore) list() contract.TemplateList {
	out := contract.TemplateList{Templates: make([]contract.Template, 0, len(s.byID))}
	for _, t := range s.byID {
		out.Templates = append(out.Templates, t.Template)
	}
	sort.Slice(out.Templates, func(i, j int) bool { return out.Templates[i].ID < out.Templates[j].ID })
	return out
}

type shareStore struct {
	mu     sync.Mutex
	shares map[string]contract.SharedScenario
}

func newShareStore() *shareStore {
	return &shareStore{shares: map[string]contract.SharedScenario{}}
}

func (s *shareStore) put(req contract.ShareRequest, now time.Time) contract.SharedScenario {
	sc := contract.SharedScenario{
		ShareID:   ulid.Make().String(),
		Title:     req.Title,
		Graph:     req.Graph,
		Report:    req.Report,
		CreatedAt: now.UTC(),
	}
	s.mu.Lock()
	s.shares[sc.ShareID] = sc
	s.mu.Unlock()
	return sc
}

func (s *shareStore) get(id string) (contract.SharedScenario, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.shares[id]
	return sc, ok
}

// etagOf returns a strong validator for a JSON-encodable value.
func etagOf(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return `"` + hex.EncodeToString(sum[:8]) + `"`, b, nil
}
