package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/logging"
)

const legacyPayload = `{
  "result": {
    "summary": {"conservative": 38, "likely": 42.5, "optimistic": 48, "units": "units"},
    "confidence": 0.85,
    "response_hash": "sha256:abc"
  },
  "execution_ms": 450
}`

func TestNormalize_LegacyConcreteScenario(t *testing.T) {
	n := New(PolicyStrict)
	rep, err := n.Normalize([]byte(legacyPayload), 42)
	require.NoError(t, err)

	assert.Equal(t, contract.ReportSchema, rep.Schema)
	assert.Equal(t, contract.Results{Conservative: 38, Likely: 42.5, Optimistic: 48, Units: "units"}, rep.Results)
	assert.Equal(t, contract.LevelHigh, rep.Confidence.Level)
	assert.Equal(t, int64(450), rep.Meta.ElapsedMS)
	assert.Equal(t, int64(42), rep.Meta.Seed)
	assert.Equal(t, "sha256:abc", rep.ModelCard.ResponseHash)
	assert.Equal(t, "sha256", rep.ModelCard.ResponseHashAlgo)
	assert.False(t, rep.ModelCard.Normalized)
}

func TestNormalize_V11StructuredConfidence(t *testing.T) {
	payload := `{
	  "schema": "report.v1.1",
	  "result": {"summary": {"conservative": 1, "likely": 2, "optimistic": 3, "units": "k$"}},
	  "confidence": {"level": "low", "score": 0.55, "reason": "sparse evidence on demand"},
	  "explain_delta": {"top_drivers": [
	    {"label": "Price", "polarity": "down", "strength": "high", "node_id": "price"},
	    {"label": "Ads", "polarity": "positive", "strength": 0.3, "edge_id": "e2"},
	    {"label": "", "polarity": "up"}
	  ]},
	  "critique": [
	    {"severity": "blocker", "note": "cycle detected"},
	    {"severity": "warning", "message": "weak edge"},
	    {"severity": "shrug", "text": "fyi"}
	  ],
	  "provenance": {"engine": "1.1.4"},
	  "model_card": {"response_hash": "legacy-hash"},
	  "meta": {"seed": 7, "response_id": "r-1", "elapsed_ms": 12}
	}`
	shape, err := Detect([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, ShapeV11, shape)

	rep, err := New(PolicyStrict).Normalize([]byte(payload), 99)
	require.NoError(t, err)

	// Score wins over the declared level; reason is verbatim.
	assert.Equal(t, contract.LevelMedium, rep.Confidence.Level)
	assert.Equal(t, "sparse evidence on demand", rep.Confidence.Why)
	assert.Equal(t, "legacy-hash", rep.ModelCard.ResponseHash)
	assert.True(t, rep.ModelCard.Normalized)
	assert.Equal(t, contract.Meta{Seed: 7, ResponseID: "r-1", ElapsedMS: 12}, rep.Meta)

	want := []contract.Driver{
		{Label: "Price", Polarity: contract.PolarityDown, Strength: contract.LevelHigh, NodeID: "price"},
		{Label: "Ads", Polarity: contract.PolarityUp, Strength: contract.LevelLow, EdgeID: "e2"},
	}
	if diff := cmp.Diff(want, rep.Drivers); diff != "" {
		t.Fatalf("drivers mismatch (-want +got):\n%s", diff)
	}
	wantCritique := []contract.Critique{
		{Severity: contract.SeverityBlocker, Note: "cycle detected"},
		{Severity: contract.SeverityWarning, Note: "weak edge"},
		{Severity: contract.SeverityInfo, Note: "fyi"},
	}
	if diff := cmp.Diff(wantCritique, rep.Critique); diff != "" {
		t.Fatalf("critique mismatch (-want +got):\n%s", diff)
	}
	assert.JSONEq(t, `{"engine":"1.1.4"}`, string(rep.Provenance))
	assert.NotEmpty(t, rep.ExplainDelta)
}

func TestNormalize_V12Bands(t *testing.T) {
	payload := `{
	  "schema": "run.v1.2",
	  "run": {
	    "bands": {"p10": 10, "p50": 20, "p90": 35},
	    "units": "orders",
	    "response_hash": "sha256:run",
	    "response_id": "run-9",
	    "seed": 5,
	    "elapsed_ms": 80,
	    "confidence": {"score": 0.7, "reason": "calibrated"},
	    "drivers": [{"label": "Season", "polarity": "up", "strength": "medium"}]
	  },
	  "result": {"response_hash": "sha256:older"},
	  "execution_ms": 999
	}`
	rep, err := New(PolicyStrict).Normalize([]byte(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, contract.Results{Conservative: 10, Likely: 20, Optimistic: 35, Units: "orders"}, rep.Results)
	assert.Equal(t, "sha256:run", rep.ModelCard.ResponseHash, "newest location wins")
	assert.Equal(t, int64(80), rep.Meta.ElapsedMS, "run.elapsed_ms beats execution_ms")
	assert.Equal(t, contract.LevelHigh, rep.Confidence.Level)
	assert.Equal(t, "calibrated", rep.Confidence.Why)
	require.Len(t, rep.Drivers, 1)
	assert.Equal(t, "Season", rep.Drivers[0].Label)
}

func TestNormalize_HashPrecedence(t *testing.T) {
	payload := `{"result":{"summary":{"likely":1},"response_hash":"new"},"model_card":{"response_hash":"old"}}`
	rep, err := New(PolicyStrict).Normalize([]byte(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, "new", rep.ModelCard.ResponseHash)

	payload = `{"result":{"summary":{"likely":1}},"model_card":{"response_hash":"old","response_hash_algo":"BLAKE3"}}`
	rep, err = New(PolicyStrict).Normalize([]byte(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, "old", rep.ModelCard.ResponseHash)
	assert.Equal(t, "blake3", rep.ModelCard.ResponseHashAlgo)
}

func TestNormalize_MissingHashStrictFails(t *testing.T) {
	payload := `{"result":{"summary":{"likely":1},"confidence":0.2}}`
	_, err := New(PolicyStrict).Normalize([]byte(payload), 0)
	require.Error(t, err)
	assert.True(t, contract.IsCode(err, contract.CodeServerError))
	assert.Contains(t, err.Error(), "determinism")
}

func TestNormalize_MissingHashPermissiveSynthesizes(t *testing.T) {
	var buf bytes.Buffer
	clock := func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	n := New(PolicyPermissive, WithClock(clock), WithLogger(logging.New("normalize", logging.LevelDebug, &buf)))

	rep, err := n.Normalize([]byte(`{"result":{"summary":{"likely":1}}}`), 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rep.ModelCard.ResponseHash, "dev-1700000000000-"), rep.ModelCard.ResponseHash)
	assert.Equal(t, "synthetic", rep.ModelCard.ResponseHashAlgo)
	assert.True(t, rep.ModelCard.Normalized)
	assert.Contains(t, buf.String(), "no response_hash")
}

func TestNormalize_NoResultsIsServerError(t *testing.T) {
	_, err := New(PolicyPermissive).Normalize([]byte(`{"response_hash":"x"}`), 0)
	require.Error(t, err)
	assert.True(t, contract.IsCode(err, contract.CodeServerError))

	_, err = New(PolicyPermissive).Normalize([]byte(`not json`), 0)
	require.Error(t, err)
	assert.True(t, contract.IsCode(err, contract.CodeServerError))
}

func TestMapLevel_Boundaries(t *testing.T) {
	cases := map[float64]contract.Level{
		0:    contract.LevelLow,
		0.39: contract.LevelLow,
		0.4:  contract.LevelMedium,
		0.69: contract.LevelMedium,
		0.7:  contract.LevelHigh,
		1:    contract.LevelHigh,
	}
	for score, want := range cases {
		assert.Equal(t, want, MapLevel(score), "score=%v", score)
	}
}

func TestMapLevel_Monotonic(t *testing.T) {
	prev := MapLevel(0).Rank()
	for i := 1; i <= 1000; i++ {
		r := MapLevel(float64(i) / 1000).Rank()
		require.GreaterOrEqual(t, r, prev, "score=%v", float64(i)/1000)
		prev = r
	}
}

func TestMapLevel_ScalarAndStructuredAgree(t *testing.T) {
	for _, score := range []float64{0.1, 0.4, 0.55, 0.7, 0.95} {
		scalar := `{"result":{"summary":{"likely":1},"confidence":` + num(score) + `,"response_hash":"h"}}`
		structured := `{"result":{"summary":{"likely":1},"response_hash":"h"},"confidence":{"score":` + num(score) + `,"reason":"r"}}`
		a, err := New(PolicyStrict).Normalize([]byte(scalar), 0)
		require.NoError(t, err)
		b, err := New(PolicyStrict).Normalize([]byte(structured), 0)
		require.NoError(t, err)
		assert.Equal(t, a.Confidence.Level, b.Confidence.Level, "score=%v", score)
	}
}

func num(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestNormalize_DebugPassThroughDoesNotTouchHash(t *testing.T) {
	plain := `{"result":{"summary":{"likely":4,"units":"u"},"confidence":0.5,"response_hash":"sha256:fixed"}}`
	withDebug := `{"result":{"summary":{"likely":4,"units":"u"},"confidence":0.5,"response_hash":"sha256:fixed"},
	  "debug":{"compare":{"baseline":3},"inspector":{"nodes":[1,2,3]}}}`

	n := New(PolicyStrict)
	a, err := n.Normalize([]byte(plain), 1)
	require.NoError(t, err)
	b, err := n.Normalize([]byte(withDebug), 1)
	require.NoError(t, err)

	assert.Nil(t, a.Debug)
	require.NotNil(t, b.Debug)
	assert.JSONEq(t, `{"baseline":3}`, string(b.Debug.Compare))
	assert.JSONEq(t, `{"nodes":[1,2,3]}`, string(b.Debug.Inspector))

	assert.Equal(t, a.ModelCard.ResponseHash, b.ModelCard.ResponseHash)
	assert.True(t, Equivalent(a, b))
	if diff := cmp.Diff(a, b, cmpopts.IgnoreFields(contract.Report{}, "Debug")); diff != "" {
		t.Fatalf("reports differ beyond debug (-plain +debug):\n%s", diff)
	}
}

func TestEquivalent_DetectsDifferences(t *testing.T) {
	base, err := New(PolicyStrict).Normalize([]byte(legacyPayload), 42)
	require.NoError(t, err)

	other := base
	other.ModelCard.ResponseHash = "sha256:other"
	assert.False(t, Equivalent(base, other))

	other = base
	other.Results.Likely = 1
	assert.False(t, Equivalent(base, other))

	other = base
	other.Confidence.Level = contract.LevelLow
	assert.False(t, Equivalent(base, other))

	other = base
	other.Meta.ElapsedMS = 1
	other.Drivers = []contract.Driver{{Label: "x"}}
	assert.True(t, Equivalent(base, other))
}
