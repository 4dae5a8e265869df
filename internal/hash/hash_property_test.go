package hash

import (
	"bytes"
	"encoding/json"
	"testing"

	"pgregory.net/rapid"
)

// unmarshalNumber decodes with json.Number so integers survive the round trip.
func unmarshalNumber(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// genValue produces arbitrary JSON-shaped values: scalars, arrays, and
// string-keyed maps up to a small depth.
func genValue(depth int) *rapid.Generator[interface{}] {
	if depth <= 0 {
		return rapid.OneOf(
			rapid.Map(rapid.String(), func(s string) interface{} { return s }),
			rapid.Map(rapid.Int64(), func(i int64) interface{} { return i }),
			rapid.Map(rapid.Bool(), func(b bool) interface{} { return b }),
		)
	}
	return rapid.OneOf(
		genValue(0),
		rapid.Map(rapid.SliceOfN(genValue(depth-1), 0, 4), func(s []interface{}) interface{} { return s }),
		rapid.Map(rapid.MapOfN(rapid.StringMatching(`[a-z]{1,8}`), genValue(depth-1), 0, 4),
			func(m map[string]interface{}) interface{} { return m }),
	)
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := genValue(3).Draw(t, "v")

		b1, err := CanonicalJSON(v)
		if err != nil {
			t.Fatalf("canonical failed: %v", err)
		}
		b2, err := CanonicalJSON(v)
		if err != nil {
			t.Fatalf("canonical failed on second pass: %v", err)
		}
		if string(b1) != string(b2) {
			t.Fatalf("canonical form unstable:\n%s\n%s", b1, b2)
		}
		if !Equal(v, v) {
			t.Fatalf("value not Equal to itself: %v", v)
		}
	})
}

func TestCanonicalJSONFixedPoint(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := genValue(3).Draw(t, "v")

		b1, err := CanonicalJSON(v)
		if err != nil {
			t.Fatalf("canonical failed: %v", err)
		}

		// Canonicalizing the canonical form must be the identity.
		var round interface{}
		if err := unmarshalNumber(b1, &round); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		b2, err := CanonicalJSON(round)
		if err != nil {
			t.Fatalf("canonical failed on round-trip: %v", err)
		}
		if string(b1) != string(b2) {
			t.Fatalf("not a fixed point:\n%s\n%s", b1, b2)
		}
	})
}
