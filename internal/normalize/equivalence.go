package normalize

import "github.com/danshapiro/decisiongraph/internal/contract"

// Equivalent reports whether two reports agree on everything the determinism
// contract covers: schema, response hash, results and confidence. Debug
// slices, drivers, critique and meta are ignored.
func Equivalent(a, b contract.Report) bool {
	if a.Schema != b.Schema || a.ModelCard.ResponseHash != b.ModelCard.ResponseHash {
		return false
	}
	if a.Results != b.Results {
		return false
	}
	if a.Confidence.Level != b.Confidence.Level || a.Confidence.Why != b.Confidence.Why {
		return false
	}
	switch {
	case a.Confidence.Score == nil && b.Confidence.Score == nil:
		return true
	case a.Confidence.Score == nil || b.Confidence.Score == nil:
		return false
	default:
		return *a.Confidence.Score == *b.Confidence.Score
	}
}
