package workbook

import (
	"sort"

	"github.com/docuvision/docuvision/internal/metadatastore"
)

// Projection is the derived TemplateProjection (SPEC_FULL.md §3, §4.5):
// the union of field names across a set of Completed Documents, ordered
// deterministically for template-mode rendering.
type Projection struct {
	Columns []string
}

// BuildProjection computes the column ordering rule from SPEC_FULL.md
// §4.5: for each field name f, first_seen(f) is the index of the first
// document (in input order) containing f, and frequency(f) is the count
// of documents containing f. Columns sort by (first_seen asc, frequency
// desc, name asc), which surfaces common fields early while remaining
// deterministic for ties.
func BuildProjection(docs []*metadatastore.Document) Projection {
	firstSeen := map[string]int{}
	frequency := map[string]int{}

	for i, doc := range docs {
		for name := range doc.ExtractedFields {
			if _, ok := firstSeen[name]; !ok {
				firstSeen[name] = i
			}
			frequency[name]++
		}
	}

	columns := make([]string, 0, len(firstSeen))
	for name := range firstSeen {
		columns = append(columns, name)
	}

	sort.Slice(columns, func(i, j int) bool {
		a, b := columns[i], columns[j]
		if firstSeen[a] != firstSeen[b] {
			return firstSeen[a] < firstSeen[b]
		}
		if frequency[a] != frequency[b] {
			return frequency[a] > frequency[b]
		}
		return a < b
	})

	return Projection{Columns: columns}
}
