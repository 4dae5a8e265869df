package secret

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches ${type:name} occurrences.
var refPattern = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// IsRef reports whether input contains at least one secret reference.
func IsRef(input string) bool {
	return refPattern.MatchString(input)
}

// FindRefs returns every secret reference in input, in order of appearance.
func FindRefs(input string) []Ref {
	matches := refPattern.FindAllStringSubmatch(input, -1)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{
			Type:     strings.TrimSpace(m[1]),
			Name:     strings.TrimSpace(m[2]),
			Original: m[0],
		})
	}
	return refs
}

// ExpandRefs replaces every reference in input with its resolved value.
// The first resolution failure aborts the expansion.
func (r *Resolver) ExpandRefs(ctx context.Context, input string) (string, error) {
	if !IsRef(input) {
		return input, nil
	}

	result := input
	for _, ref := range FindRefs(input) {
		value, err := r.Resolve(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", ref.Original, err)
		}
		result = strings.ReplaceAll(result, ref.Original, value)
	}
	return result, nil
}

// Mask shortens a secret value for safe display.
func Mask(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "****" + value[len(value)-2:]
}
