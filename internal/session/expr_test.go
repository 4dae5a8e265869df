package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

func mustParse(t *testing.T, input string) *Expr {
	t.Helper()
	expr, err := ParseExpr(input)
	require.NoError(t, err)
	return expr
}

func evalTags(expr *Expr, tags ...string) bool {
	return expr.Eval(TagSet(tags))
}

func TestParseExpr_AndBindsTighterThanOr(t *testing.T) {
	expr := mustParse(t, "web OR db AND prod")

	assert.True(t, evalTags(expr, "web"))
	assert.False(t, evalTags(expr, "db"))
	assert.True(t, evalTags(expr, "db", "prod"))
	assert.True(t, evalTags(expr, "web", "db"))
	assert.False(t, evalTags(expr, "prod"))
}

func TestParseExpr_ParenthesesOverridePrecedence(t *testing.T) {
	expr := mustParse(t, "(web OR db) AND NOT internal")

	assert.True(t, evalTags(expr, "web"))
	assert.True(t, evalTags(expr, "db", "prod"))
	assert.False(t, evalTags(expr, "web", "internal"))
	assert.False(t, evalTags(expr, "prod"))
}

func TestParseExpr_NestedNot(t *testing.T) {
	expr := mustParse(t, "NOT NOT web")

	assert.True(t, evalTags(expr, "web"))
	assert.False(t, evalTags(expr, "db"))
}

func TestParseExpr_OperatorsAndTagsAreCaseInsensitive(t *testing.T) {
	expr := mustParse(t, "Web and not Internal")

	assert.True(t, evalTags(expr, "WEB"))
	assert.False(t, evalTags(expr, "web", "INTERNAL"))
}

func TestParseExpr_Errors(t *testing.T) {
	cases := map[string]string{
		"empty input":           "",
		"dangling operator":     "web AND",
		"leading operator":      "AND web",
		"double operator":       "web OR OR db",
		"unclosed parenthesis":  "(web OR db",
		"stray closing paren":   "web)",
		"lone not":              "NOT",
		"operator as tag":       "NOT AND",
		"empty parenthesis":     "()",
		"trailing junk after )": "(web) db",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseExpr(input)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindParse), "want parse error, got %v", err)
		})
	}
}

func TestParseExpr_FlattensChains(t *testing.T) {
	expr := mustParse(t, "a OR b OR c")

	require.Equal(t, OpOr, expr.Op)
	assert.Len(t, expr.Children, 3)
}

func TestExpr_StringRendersParseableForm(t *testing.T) {
	expr := mustParse(t, "web OR db AND NOT internal")

	rendered := expr.String()
	assert.Equal(t, "web OR (db AND NOT internal)", rendered)

	again, err := ParseExpr(rendered)
	require.NoError(t, err)
	for _, tags := range [][]string{{"web"}, {"db"}, {"db", "prod"}, {"db", "internal"}, nil} {
		assert.Equal(t, expr.Eval(TagSet(tags)), again.Eval(TagSet(tags)), "tags %v", tags)
	}
}

func TestExpr_JSONRoundTrip(t *testing.T) {
	expr := mustParse(t, "(a OR b) AND NOT c")

	data, err := json.Marshal(expr)
	require.NoError(t, err)

	var back Expr
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, back.Validate())
	assert.True(t, back.Eval(TagSet([]string{"a"})))
	assert.False(t, back.Eval(TagSet([]string{"a", "c"})))
}

func TestExpr_ValidateRejectsMalformedTrees(t *testing.T) {
	cases := map[string]*Expr{
		"empty leaf":            {},
		"leaf with children":    {Tag: "a", Children: []*Expr{{Tag: "b"}}},
		"and without operands":  {Op: OpAnd},
		"not with two operands": {Op: OpNot, Children: []*Expr{{Tag: "a"}, {Tag: "b"}}},
		"unknown operator":      {Op: "xor", Children: []*Expr{{Tag: "a"}}},
		"bad nested child":      {Op: OpOr, Children: []*Expr{{Tag: "a"}, {Op: OpAnd}}},
	}
	for name, expr := range cases {
		t.Run(name, func(t *testing.T) {
			err := expr.Validate()
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		})
	}
}

func TestExprFromQuery_AcceptedShapes(t *testing.T) {
	expr, err := ExprFromQuery([]byte(`{"or": ["web", {"and": ["db", "prod"]}]}`))
	require.NoError(t, err)
	assert.True(t, evalTags(expr, "web"))
	assert.False(t, evalTags(expr, "db"))
	assert.True(t, evalTags(expr, "db", "prod"))

	leaf, err := ExprFromQuery([]byte(`"web"`))
	require.NoError(t, err)
	assert.True(t, evalTags(leaf, "web"))

	tagged, err := ExprFromQuery([]byte(`{"tag": "db"}`))
	require.NoError(t, err)
	assert.True(t, evalTags(tagged, "db"))

	negated, err := ExprFromQuery([]byte(`{"not": "internal"}`))
	require.NoError(t, err)
	assert.True(t, evalTags(negated))
	assert.False(t, evalTags(negated, "internal"))
}

func TestExprFromQuery_RejectsMalformedQueries(t *testing.T) {
	cases := map[string]string{
		"not json":         `{oops`,
		"number":           `42`,
		"array at top":     `["a","b"]`,
		"empty object":     `{}`,
		"two operators":    `{"and": ["a"], "or": ["b"]}`,
		"unknown operator": `{"xor": ["a"]}`,
		"empty and":        `{"and": []}`,
		"and not an array": `{"and": "a"}`,
		"empty tag":        `""`,
		"tag not a string": `{"tag": 7}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ExprFromQuery([]byte(raw))
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindParse), "want parse error, got %v", err)
		})
	}
}

func TestExpr_CloneIsDeep(t *testing.T) {
	expr := mustParse(t, "a AND b")
	clone := expr.Clone()

	clone.Children[0].Tag = "changed"
	assert.Equal(t, "a", expr.Children[0].Tag)

	var nilExpr *Expr
	assert.Nil(t, nilExpr.Clone())
}
