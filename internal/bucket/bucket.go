// Package bucket implements the deterministic identity-to-bucket assignment
// used for A/B traffic splitting. The same identity string always lands in
// the same bucket across processes and restarts, which is what keeps variant
// assignments sticky without any server-side session state.
package bucket

import "sort"

// Hash is the 32-bit rolling hash underlying bucket assignment (hash*31 +
// code unit, truncated to 32 bits each step). The truncation is deliberate:
// it matches the classic string hash whose buckets existing cookies and
// stored assignments were computed against. Content fingerprints reuse the
// same function so weak validators stay cheap to recompute.
func Hash(s string) int32 {
	var h int32
	for _, r := range s {
		h = h*31 + int32(r)
	}
	return h
}

// Assign maps an identity string to a bucket in [0,100). The absolute value
// is taken in 64-bit space because -MinInt32 does not exist in int32.
func Assign(identity string) int {
	h := int64(Hash(identity))
	if h < 0 {
		h = -h
	}
	return int(h % 100)
}

// SelectVariant picks a variant label for the given bucket from a
// percentage allocation. Labels are walked in lexicographic order with a
// cumulative-sum table; the first label whose cumulative upper bound exceeds
// the bucket wins. Allocations that sum below 100 fall back to the
// lexicographically first label so a misconfigured test still assigns
// deterministically instead of dropping traffic.
func SelectVariant(allocations map[string]float64, bkt int) string {
	if len(allocations) == 0 {
		return ""
	}
	labels := make([]string, 0, len(allocations))
	for label := range allocations {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	cumulative := 0.0
	for _, label := range labels {
		cumulative += allocations[label]
		if float64(bkt) < cumulative {
			return label
		}
	}
	return labels[0]
}

// ValidAllocation reports whether the variant percentages sum to 100 within
// a small tolerance for floating point drift.
func ValidAllocation(allocations map[string]float64) bool {
	if len(allocations) == 0 {
		return false
	}
	sum := 0.0
	for _, pct := range allocations {
		if pct < 0 {
			return false
		}
		sum += pct
	}
	return sum > 99.99 && sum < 100.01
}
