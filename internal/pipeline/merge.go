package pipeline

import (
	"sort"

	"github.com/docuvision/docuvision/internal/docvalue"
	"github.com/docuvision/docuvision/internal/schema"
)

// PageResult is the per-page outcome of the Extract stage (SPEC_FULL.md
// §4.4 stage 5): either VisionExtractor's fields, an OcrFallback
// best-guess field, or an error that leaves the page unmerged.
type PageResult struct {
	Index      int
	Fields     docvalue.FieldSet
	Confidence docvalue.ConfidenceSet
	Method     string // "vision", "ocr_fallback", "error"
	Err        error
}

// valueVote is one page's contribution to a field's merged value.
type valueVote struct {
	value      docvalue.Value
	confidence float64
	pageIndex  int
}

// mergeFields applies MergePolicy(schema) (SPEC_FULL.md §4.4 stage 6) to
// a document's per-page extraction results: scalar fields take the
// highest-confidence value (earliest page on ties), array fields
// concatenate in page order, object fields merge recursively by the
// same rules, and required fields absent from every page are filled
// with the "N/A" sentinel at confidence 0.
func mergeFields(s schema.Schema, pages []PageResult) (docvalue.FieldSet, docvalue.ConfidenceSet) {
	perField := map[string][]valueVote{}
	for _, p := range pages {
		for name, val := range p.Fields {
			perField[name] = append(perField[name], valueVote{
				value:      val,
				confidence: p.Confidence[name],
				pageIndex:  p.Index,
			})
		}
	}

	fields := docvalue.FieldSet{}
	confidence := docvalue.ConfidenceSet{}
	for name, votes := range perField {
		merged, conf := mergeValues(votes)
		fields[name] = merged
		confidence[name] = roundConfidence(conf)
	}

	for name := range s.Fields {
		if !s.IsRequired(name) {
			continue
		}
		if _, ok := fields[name]; ok {
			continue
		}
		fields[name] = docvalue.NA()
		confidence[name] = 0
	}

	return fields, confidence
}

// mergeValues recursively merges a set of same-field votes cast by
// different pages, descending into Object fields key by key.
func mergeValues(votes []valueVote) (docvalue.Value, float64) {
	sort.SliceStable(votes, func(i, j int) bool { return votes[i].pageIndex < votes[j].pageIndex })

	switch votes[0].value.Kind {
	case docvalue.KindArray:
		var all []docvalue.Value
		for _, v := range votes {
			all = append(all, v.value.Array...)
		}
		return docvalue.NewArray(all...), averageConfidence(votes)

	case docvalue.KindObject:
		perKey := map[string][]valueVote{}
		for _, v := range votes {
			for k, sub := range v.value.Object {
				perKey[k] = append(perKey[k], valueVote{value: sub, confidence: v.confidence, pageIndex: v.pageIndex})
			}
		}
		keys := make([]string, 0, len(perKey))
		for k := range perKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]docvalue.Value, len(keys))
		for _, k := range keys {
			merged, _ := mergeValues(perKey[k])
			out[k] = merged
		}
		return docvalue.NewObject(out), averageConfidence(votes)

	default:
		best := votes[0]
		for _, v := range votes[1:] {
			if v.confidence > best.confidence {
				best = v
			}
		}
		return best.value, best.confidence
	}
}

func averageConfidence(votes []valueVote) float64 {
	sum := 0.0
	for _, v := range votes {
		sum += v.confidence
	}
	return sum / float64(len(votes))
}

func roundConfidence(c float64) float64 {
	return float64(int(c*100+0.5)) / 100
}

// ocrFieldName picks the field OcrFallback's plain text is merged into:
// the schema's "summary" field if it declares one, else a generic
// catch-all. OcrFallback recovers prose, not schema-shaped fields, so it
// never attempts structured extraction itself (SPEC_FULL.md §4.4 stage 5).
func ocrFieldName(s schema.Schema) string {
	if _, ok := s.Fields["summary"]; ok {
		return "summary"
	}
	return "ocr_text"
}
