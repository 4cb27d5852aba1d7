//go:build property
// +build property

package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestJCSKeyOrderInvariance is spec.md §8's canonicalization property:
// two JSON documents that differ only in object key order must produce the
// same canonical bytes and the same hash, since signatures and content
// hashes are computed over JCS(payload).
func TestJCSKeyOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("key order does not affect JCS output", prop.ForAll(
		func(keys []string, values []string) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			forward := make(map[string]interface{}, n)
			reversed := make(map[string]interface{}, n)
			for i := 0; i < n; i++ {
				if keys[i] == "" {
					continue
				}
				forward[keys[i]] = values[i]
			}
			// Insert the same entries in the opposite order; a repeated
			// key keeps the value forward settled on.
			for i := n - 1; i >= 0; i-- {
				if v, ok := forward[keys[i]]; ok {
					reversed[keys[i]] = v
				}
			}

			a, err1 := JCS(forward)
			b, err2 := JCS(reversed)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalHashMatchesJCS ties CanonicalHash to JCS directly: it must
// always equal HashBytes(JCS(v)), never drift independently.
func TestCanonicalHashMatchesJCS(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("CanonicalHash == HashBytes(JCS(v))", prop.ForAll(
		func(key, value string) bool {
			v := map[string]interface{}{key: value, "fixed": 1}
			b, err := JCS(v)
			if err != nil {
				return true
			}
			h, err := CanonicalHash(v)
			if err != nil {
				return false
			}
			return h == HashBytes(b)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
