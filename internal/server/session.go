package server

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/session"
)

// sessionIDManager backs the streamable transport's session ids with the
// persistent session store. Ids minted here come back through Validate on
// every follow-up request, which also touches the record's TTL; an id the
// store no longer knows reports the session as terminated so the client
// re-initializes instead of erroring out.
type sessionIDManager struct {
	store *session.Store
}

func newSessionIDManager(store *session.Store) *sessionIDManager {
	return &sessionIDManager{store: store}
}

func (m *sessionIDManager) Generate() string {
	return uuid.New().String()
}

func (m *sessionIDManager) Validate(sessionID string) (bool, error) {
	if rec := m.store.Get(sessionID); rec == nil {
		return true, nil
	}
	return false, nil
}

func (m *sessionIDManager) Terminate(sessionID string) (bool, error) {
	m.store.Delete(sessionID)
	return false, nil
}

// filterParams is a capability filter selection parsed off a request URL.
// It is carried through the request context and applied to the session
// record once, when the session registers.
type filterParams struct {
	mode       session.FilterMode
	tags       []string
	expr       *session.Expr
	preset     string
	pagination *bool
	template   string
}

type filterParamsKey struct{}

// filterParamsExtractor parses the session filter query parameters into the
// request context for the registration hook. Supported parameters: preset,
// tag-filter (boolean expression), tags (comma-separated, any match),
// pagination, template. preset wins over tag-filter, which wins over tags.
func filterParamsExtractor(logger *zap.Logger) mcpserver.HTTPContextFunc {
	return func(ctx context.Context, r *http.Request) context.Context {
		params := parseFilterParams(logger, r.URL.Query())
		if params == nil {
			return ctx
		}
		return context.WithValue(ctx, filterParamsKey{}, params)
	}
}

func filterParamsFrom(ctx context.Context) *filterParams {
	params, _ := ctx.Value(filterParamsKey{}).(*filterParams)
	return params
}

func parseFilterParams(logger *zap.Logger, query url.Values) *filterParams {
	params := &filterParams{}
	found := false

	if preset := query.Get("preset"); preset != "" {
		params.mode = session.FilterPreset
		params.preset = preset
		found = true
	}
	if raw := query.Get("tag-filter"); raw != "" && params.mode == "" {
		expr, err := session.ParseExpr(raw)
		if err != nil {
			logger.Warn("ignoring unparsable tag-filter parameter",
				zap.String("tag-filter", raw), zap.Error(err))
		} else {
			params.mode = session.FilterAdvanced
			params.expr = expr
			found = true
		}
	}
	if raw := query.Get("tags"); raw != "" && params.mode == "" {
		tags := splitTags(raw)
		if len(tags) > 0 {
			params.mode = session.FilterSimpleOr
			params.tags = tags
			found = true
		}
	}
	if raw := query.Get("pagination"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			logger.Warn("ignoring unparsable pagination parameter", zap.String("pagination", raw))
		} else {
			params.pagination = &enabled
			found = true
		}
	}
	if tmpl := query.Get("template"); tmpl != "" {
		params.template = tmpl
		found = true
	}

	if !found {
		return nil
	}
	return params
}

func splitTags(raw string) []string {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// apply rewrites the record's filter fields from the parsed parameters. A
// request without filter parameters leaves a persisted filter untouched, so
// reconnecting with a bare URL does not wipe session state.
func (fp *filterParams) apply(rec *session.Record) {
	switch fp.mode {
	case session.FilterPreset:
		rec.TagFilterMode = session.FilterPreset
		rec.PresetName = fp.preset
		rec.Tags = nil
		rec.TagExpression = nil
		rec.TagQuery = nil
	case session.FilterAdvanced:
		rec.TagFilterMode = session.FilterAdvanced
		rec.TagExpression = fp.expr
		rec.PresetName = ""
		rec.Tags = nil
		rec.TagQuery = nil
	case session.FilterSimpleOr:
		rec.TagFilterMode = session.FilterSimpleOr
		rec.Tags = fp.tags
		rec.PresetName = ""
		rec.TagExpression = nil
		rec.TagQuery = nil
	}
	if fp.pagination != nil {
		rec.EnablePagination = *fp.pagination
	}
	if fp.template != "" {
		rec.CustomTemplate = fp.template
	}
}
