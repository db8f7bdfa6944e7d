package catalog

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint computes the stable schema_fingerprint for an MV described by
// its grain, dimensions, filters, and measures.
// Two descriptors built from the same (grain, dimensions, filters, measures)
// tuple always hash to the same fingerprint regardless of slice ordering,
// which is what lets the registry's schema-drift guard compare them.
func Fingerprint(grain, dimensions []string, measures []MeasureRule, filters []Filter) string {
	g := sortedCopy(grain)
	d := sortedCopy(dimensions)

	m := make([]string, 0, len(measures))
	for _, mr := range measures {
		m = append(m, mr.sortKey())
	}
	sort.Strings(m)

	filterStrs := make([]string, 0, len(filters))
	for _, f := range filters {
		filterStrs = append(filterStrs, fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value))
	}
	sort.Strings(filterStrs)

	var sb strings.Builder
	sb.WriteString("grain=")
	sb.WriteString(strings.Join(g, ","))
	sb.WriteString("|dims=")
	sb.WriteString(strings.Join(d, ","))
	sb.WriteString("|measures=")
	sb.WriteString(strings.Join(m, ","))
	sb.WriteString("|filters=")
	sb.WriteString(strings.Join(filterStrs, ";"))

	sum := blake2b.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%x", sum)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
