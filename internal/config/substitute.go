package config

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/secret"
)

// placeholderPattern matches any ${...} occurrence. The content decides the
// treatment: a plain variable name reads the process environment, a
// type:name pair goes through the secret resolver, anything else stays
// literal.
var placeholderPattern = regexp.MustCompile(`\$\{([^{}]*)\}`)

// envNamePattern is the shape of a plain environment variable reference.
var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

// substituteOptions controls the substitution walk.
type substituteOptions struct {
	strict   bool
	resolver *secret.Resolver
}

// substituteTree walks a decoded JSON value and expands ${NAME},
// ${env:NAME} and ${keyring:NAME} placeholders inside every string, in a
// single pass: expansion results are never re-scanned. The tree is mutated
// in place; maps keep their identity.
func substituteTree(ctx context.Context, value interface{}, path string, opts substituteOptions) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return substituteString(ctx, v, path, opts)
	case map[string]interface{}:
		for key, child := range v {
			replaced, err := substituteTree(ctx, child, path+"."+key, opts)
			if err != nil {
				return nil, err
			}
			v[key] = replaced
		}
		return v, nil
	case []interface{}:
		for i, child := range v {
			replaced, err := substituteTree(ctx, child, fmt.Sprintf("%s[%d]", path, i), opts)
			if err != nil {
				return nil, err
			}
			v[i] = replaced
		}
		return v, nil
	default:
		// numbers, booleans, null pass through untouched
		return value, nil
	}
}

func substituteString(ctx context.Context, s, path string, opts substituteOptions) (string, error) {
	var substErr error

	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if substErr != nil {
			return match
		}
		content := match[2 : len(match)-1]

		if secret.IsRef(match) {
			if opts.resolver == nil {
				substErr = apperr.Validation(path, fmt.Sprintf("secret reference %s found but no resolver configured", match))
				return match
			}
			refs := secret.FindRefs(match)
			value, err := opts.resolver.Resolve(ctx, refs[0])
			if err != nil {
				substErr = apperr.Validation(path, fmt.Sprintf("cannot resolve %s: %v", match, err))
				return match
			}
			return value
		}

		if envNamePattern.MatchString(content) {
			value, ok := lookupEnv(content)
			if !ok && opts.strict {
				substErr = apperr.Validation(path, fmt.Sprintf("environment variable %s is not set", content))
				return match
			}
			return value
		}

		// Not an env name and not a known reference form. Keep the literal
		// text so shapes like ${} or ${1bad} survive untouched.
		return match
	})

	if substErr != nil {
		return "", substErr
	}
	return result, nil
}
