// Package normalize collapses every Engine response revision into the
// canonical contract.Report and enforces the determinism invariant: a Report
// never leaves this package without a response hash.
package normalize

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/logging"
)

// Policy decides what happens when a payload carries no response hash.
type Policy string

const (
	// PolicyStrict rejects hashless payloads with SERVER_ERROR.
	PolicyStrict Policy = "strict"
	// PolicyPermissive substitutes a synthetic dev-<unixms>-<random> hash and warns.
	PolicyPermissive Policy = "permissive"
)

// ParsePolicy maps a config value to a Policy; anything but "permissive" is strict.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyPermissive)) {
		return PolicyPermissive
	}
	return PolicyStrict
}

// Confidence thresholds, inclusive on the upper bucket.
const (
	HighThreshold   = 0.7
	MediumThreshold = 0.4
)

// MapLevel buckets a confidence score.
func MapLevel(score float64) contract.Level {
	switch {
	case score >= HighThreshold:
		return contract.LevelHigh
	case score >= MediumThreshold:
		return contract.LevelMedium
	default:
		return contract.LevelLow
	}
}

type Normalizer struct {
	policy Policy
	log    logging.Logger
	now    func() time.Time
	rand   func() uint32
}

type Option func(*Normalizer)

func WithLogger(l logging.Logger) Option {
	return func(n *Normalizer) { n.log = logging.OrNoOp(l) }
}

// WithClock overrides the time source used for synthetic hashes.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

func New(policy Policy, opts ...Option) *Normalizer {
	n := &Normalizer{
		policy: policy,
		log:    logging.NoOp,
		now:    time.Now,
		rand:   rand.Uint32,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Normalizer) Policy() Policy { return n.policy }

// Normalize decodes payload and resolves it into a Report. requestSeed is
// used when the payload does not echo a seed. Errors are *contract.Error.
func (n *Normalizer) Normalize(payload []byte, requestSeed int64) (contract.Report, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return contract.Report{}, contract.NewError(contract.CodeServerError, "engine response is not valid JSON: %v", err)
	}
	return n.resolve(&env, requestSeed)
}

func (n *Normalizer) resolve(env *envelope, requestSeed int64) (contract.Report, error) {
	shape := env.Detect()
	rep := contract.Report{Schema: contract.ReportSchema}

	results, ok := resolveResults(env)
	if !ok {
		return contract.Report{}, contract.NewError(contract.CodeServerError, "engine response (%s) carries no results", shape)
	}
	rep.Results = results

	hash, canonicalLoc := resolveHash(env)
	switch {
	case hash != "":
		rep.ModelCard.ResponseHash = hash
		rep.ModelCard.ResponseHashAlgo = hashAlgo(hash, env.ModelCard)
		rep.ModelCard.Normalized = !canonicalLoc
	case n.policy == PolicyPermissive:
		rep.ModelCard.ResponseHash = fmt.Sprintf("dev-%d-%08x", n.now().UnixMilli(), n.rand())
		rep.ModelCard.ResponseHashAlgo = "synthetic"
		rep.ModelCard.Normalized = true
		n.log.Warn("engine response (%s) has no response_hash; using synthetic %s (determinism not guaranteed)", shape, rep.ModelCard.ResponseHash)
	default:
		return contract.Report{}, contract.NewError(contract.CodeServerError,
			"engine response is missing response_hash: determinism guarantee cannot be verified")
	}

	rep.Meta = resolveMeta(env, requestSeed)
	rep.Confidence = resolveConfidence(env)
	rep.Drivers = resolveDrivers(env)
	rep.Critique = resolveCritique(env)
	if !isNull(env.ExplainDelta) {
		rep.ExplainDelta = env.ExplainDelta
	}
	if !isNull(env.Provenance) {
		rep.Provenance = env.Provenance
	}
	rep.Debug = resolveDebug(env)

	n.log.Debug("normalized %s response hash=%s", shape, rep.ModelCard.ResponseHash)
	return rep, nil
}

func resolveResults(env *envelope) (contract.Results, bool) {
	if r := env.Run; r != nil && r.Bands != nil && r.Bands.P50 != nil {
		out := contract.Results{Likely: *r.Bands.P50, Units: r.Units}
		out.Conservative = deref(r.Bands.P10, *r.Bands.P50)
		out.Optimistic = deref(r.Bands.P90, *r.Bands.P50)
		if out.Units == "" && env.Summary != nil {
			out.Units = env.Summary.Units
		}
		return out, true
	}
	var s *summaryBlock
	if env.Result != nil && env.Result.Summary != nil {
		s = env.Result.Summary
	} else if env.Summary != nil {
		s = env.Summary
	}
	if s == nil || s.Likely == nil {
		return contract.Results{}, false
	}
	return contract.Results{
		Conservative: deref(s.Conservative, *s.Likely),
		Likely:       *s.Likely,
		Optimistic:   deref(s.Optimistic, *s.Likely),
		Units:        s.Units,
	}, true
}

// resolveHash returns the first hash in precedence order and whether it was
// found in a current-contract location.
func resolveHash(env *envelope) (string, bool) {
	if env.Run != nil {
		if h := strings.TrimSpace(env.Run.ResponseHash); h != "" {
			return h, true
		}
	}
	if env.Result != nil {
		if h := strings.TrimSpace(env.Result.ResponseHash); h != "" {
			return h, true
		}
	}
	if h := strings.TrimSpace(env.ResponseHash); h != "" {
		return h, false
	}
	if env.ModelCard != nil {
		if h := strings.TrimSpace(env.ModelCard.ResponseHash); h != "" {
			return h, false
		}
	}
	return "", false
}

func hashAlgo(hash string, mc *modelCardBlock) string {
	if i := strings.Index(hash, ":"); i > 0 {
		return strings.ToLower(hash[:i])
	}
	if mc != nil && strings.TrimSpace(mc.ResponseHashAlgo) != "" {
		return strings.ToLower(strings.TrimSpace(mc.ResponseHashAlgo))
	}
	return "unknown"
}

func resolveMeta(env *envelope, requestSeed int64) contract.Meta {
	m := contract.Meta{Seed: requestSeed}

	var seed, elapsed *float64
	var rid string
	if r := env.Run; r != nil {
		seed, elapsed, rid = r.Seed, r.ElapsedMS, r.ResponseID
	}
	if mb := env.Meta; mb != nil {
		seed = firstNum(seed, mb.Seed)
		elapsed = firstNum(elapsed, mb.ElapsedMS)
		rid = firstStr(rid, mb.ResponseID)
	}
	if r := env.Result; r != nil {
		seed = firstNum(seed, r.Seed)
		elapsed = firstNum(elapsed, r.ElapsedMS)
		rid = firstStr(rid, r.ResponseID)
	}
	seed = firstNum(seed, env.Seed)
	elapsed = firstNum(elapsed, env.ExecutionMS)
	rid = firstStr(rid, env.ResponseID)

	if seed != nil {
		m.Seed = int64(*seed)
	}
	if elapsed != nil {
		m.ElapsedMS = int64(*elapsed + 0.5)
	}
	m.ResponseID = rid
	return m
}

func resolveConfidence(env *envelope) contract.Confidence {
	raw := env.Confidence
	if isNull(raw) && env.Run != nil {
		raw = env.Run.Confidence
	}
	if isNull(raw) && env.Result != nil {
		raw = env.Result.Confidence
	}
	if isNull(raw) {
		return contract.Confidence{Level: contract.LevelLow, Why: "engine did not report confidence"}
	}

	var score float64
	if err := json.Unmarshal(raw, &score); err == nil {
		s := clamp01(score)
		return contract.Confidence{Level: MapLevel(s), Why: legacyWhy(env, s), Score: &s}
	}

	var sc structuredConfidence
	if err := json.Unmarshal(raw, &sc); err != nil {
		return contract.Confidence{Level: contract.LevelLow, Why: "engine confidence unreadable"}
	}
	out := contract.Confidence{Why: sc.Reason}
	if sc.Score != nil {
		s := clamp01(*sc.Score)
		out.Score = &s
		out.Level = MapLevel(s)
	} else {
		out.Level = parseLevel(sc.Level)
	}
	if out.Why == "" {
		out.Why = legacyWhy(env, deref(out.Score, -1))
	}
	return out
}

func legacyWhy(env *envelope, score float64) string {
	if env.Result != nil && env.Result.Explain != nil && env.Result.Explain.Rationale != "" {
		return env.Result.Explain.Rationale
	}
	if env.Explain != nil && env.Explain.Rationale != "" {
		return env.Explain.Rationale
	}
	if score < 0 {
		return ""
	}
	return fmt.Sprintf("engine confidence %.0f%%", score*100)
}

func resolveDrivers(env *envelope) []contract.Driver {
	var raw []rawDriver
	switch {
	case env.Run != nil && len(env.Run.Drivers) > 0:
		raw = env.Run.Drivers
	case len(env.Drivers) > 0:
		raw = env.Drivers
	case isObject(env.ExplainDelta):
		var ed explainBlock
		if err := json.Unmarshal(env.ExplainDelta, &ed); err == nil && len(ed.TopDrivers) > 0 {
			raw = ed.TopDrivers
			break
		}
		raw = explainDrivers(env)
	default:
		raw = explainDrivers(env)
	}
	out := make([]contract.Driver, 0, len(raw))
	for _, d := range raw {
		label := strings.TrimSpace(d.Label)
		if label == "" {
			continue
		}
		out = append(out, contract.Driver{
			Label:    label,
			Polarity: parsePolarity(d.Polarity),
			Strength: parseStrength(d.Strength),
			NodeID:   d.NodeID,
			EdgeID:   d.EdgeID,
		})
	}
	return out
}

func explainDrivers(env *envelope) []rawDriver {
	if env.Result != nil {
		if env.Result.Explain != nil && len(env.Result.Explain.TopDrivers) > 0 {
			return env.Result.Explain.TopDrivers
		}
		if len(env.Result.Drivers) > 0 {
			return env.Result.Drivers
		}
	}
	if env.Explain != nil {
		return env.Explain.TopDrivers
	}
	return nil
}

func resolveCritique(env *envelope) []contract.Critique {
	raw := env.Critique
	if isNull(raw) && env.Result != nil {
		raw = env.Result.Critique
	}
	if isNull(raw) {
		return nil
	}
	var notes []string
	if err := json.Unmarshal(raw, &notes); err == nil {
		out := make([]contract.Critique, 0, len(notes))
		for _, s := range notes {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, contract.Critique{Severity: contract.SeverityInfo, Note: s})
			}
		}
		return out
	}
	var items []rawCritique
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]contract.Critique, 0, len(items))
	for _, it := range items {
		note := firstStr(firstStr(it.Note, it.Message), it.Text)
		if note == "" {
			continue
		}
		out = append(out, contract.Critique{Severity: parseSeverity(it.Severity), Note: note})
	}
	return out
}

func resolveDebug(env *envelope) *contract.Debug {
	d := env.Debug
	if d == nil && env.Result != nil {
		d = env.Result.Debug
	}
	if d == nil || (isNull(d.Compare) && isNull(d.Inspector)) {
		return nil
	}
	return d
}

func parseLevel(s string) contract.Level {
	switch contract.Level(strings.ToLower(strings.TrimSpace(s))) {
	case contract.LevelHigh:
		return contract.LevelHigh
	case contract.LevelMedium:
		return contract.LevelMedium
	default:
		return contract.LevelLow
	}
}

func parseStrength(raw json.RawMessage) contract.Level {
	if isNull(raw) {
		return contract.LevelMedium
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		if v < 0 {
			v = -v
		}
		return MapLevel(clamp01(v))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseLevel(s)
	}
	return contract.LevelMedium
}

func parsePolarity(s string) contract.Polarity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "positive", "increase", "+":
		return contract.PolarityUp
	case "down", "negative", "decrease", "-":
		return contract.PolarityDown
	default:
		return contract.PolarityNeutral
	}
}

func parseSeverity(s string) contract.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blocker", "error", "critical":
		return contract.SeverityBlocker
	case "warning", "warn":
		return contract.SeverityWarning
	default:
		return contract.SeverityInfo
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func deref(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func firstNum(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

func firstStr(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
