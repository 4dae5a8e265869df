// Package session keeps the per-inbound-session state of the proxy: which
// capability subset each client sees (tag filter) and when the session
// expires. The in-memory map is authoritative; records are written through
// to JSON files on a dual trigger (request count or wall-clock interval),
// so heavy request streams do not turn every touch into a disk write.
package session

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

// FilterMode selects how a session's tag filter is evaluated.
type FilterMode string

const (
	// FilterSimpleOr shows a server when at least one session tag matches.
	FilterSimpleOr FilterMode = "simple-or"
	// FilterSimpleAnd shows a server only when every session tag matches.
	FilterSimpleAnd FilterMode = "simple-and"
	// FilterAdvanced evaluates a parsed boolean expression over server tags.
	FilterAdvanced FilterMode = "advanced"
	// FilterPreset defers to a named entry in the preset store.
	FilterPreset FilterMode = "preset"
)

// Record is one inbound session: its filter configuration plus lifecycle
// stamps. The store hands out copies; the stored record mutates only through
// access touches and Update.
type Record struct {
	SessionID        string          `json:"sessionId"`
	Tags             []string        `json:"tags,omitempty"`
	TagExpression    *Expr           `json:"tagExpression,omitempty"`
	TagQuery         json.RawMessage `json:"tagQuery,omitempty"`
	TagFilterMode    FilterMode      `json:"tagFilterMode,omitempty"`
	PresetName       string          `json:"presetName,omitempty"`
	EnablePagination bool            `json:"enablePagination,omitempty"`
	CustomTemplate   string          `json:"customTemplate,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastAccessedAt   time.Time       `json:"lastAccessedAt"`
	Expires          time.Time       `json:"expires"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	out.TagQuery = append(json.RawMessage(nil), r.TagQuery...)
	out.TagExpression = r.TagExpression.Clone()
	return &out
}

// Selection is one resolved tag filter: the mode plus its payload. Presets
// resolve to a Selection at evaluation time, so the preset store persists
// exactly this shape.
type Selection struct {
	Mode       FilterMode `json:"mode"`
	Tags       []string   `json:"tags,omitempty"`
	Expression *Expr      `json:"expression,omitempty"`
}

// Clone returns a deep copy.
func (s Selection) Clone() Selection {
	out := s
	out.Tags = append([]string(nil), s.Tags...)
	out.Expression = s.Expression.Clone()
	return out
}

// diskRecord mirrors Record with the structured filter fields left raw, so
// one malformed field costs that field, not the whole session.
type diskRecord struct {
	SessionID        string          `json:"sessionId"`
	Tags             []string        `json:"tags,omitempty"`
	TagExpression    json.RawMessage `json:"tagExpression,omitempty"`
	TagQuery         json.RawMessage `json:"tagQuery,omitempty"`
	TagFilterMode    FilterMode      `json:"tagFilterMode,omitempty"`
	PresetName       string          `json:"presetName,omitempty"`
	EnablePagination bool            `json:"enablePagination,omitempty"`
	CustomTemplate   string          `json:"customTemplate,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastAccessedAt   time.Time       `json:"lastAccessedAt"`
	Expires          time.Time       `json:"expires"`
}

// decodeRecord parses a persisted session. A malformed tagExpression or
// tagQuery is logged and dropped, leaving the session with weaker filtering
// instead of refusing to load it.
func decodeRecord(data []byte, logger *zap.Logger) (*Record, error) {
	var disk diskRecord
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, apperr.Parse(err, "session record")
	}

	rec := &Record{
		SessionID:        disk.SessionID,
		Tags:             disk.Tags,
		TagFilterMode:    disk.TagFilterMode,
		PresetName:       disk.PresetName,
		EnablePagination: disk.EnablePagination,
		CustomTemplate:   disk.CustomTemplate,
		CreatedAt:        disk.CreatedAt,
		LastAccessedAt:   disk.LastAccessedAt,
		Expires:          disk.Expires,
	}

	if present(disk.TagExpression) {
		var expr Expr
		err := json.Unmarshal(disk.TagExpression, &expr)
		if err == nil {
			err = expr.Validate()
		}
		if err == nil {
			rec.TagExpression = &expr
		} else {
			logger.Warn("dropping malformed tagExpression from persisted session",
				zap.String("session", disk.SessionID),
				zap.Error(err))
		}
	}

	if present(disk.TagQuery) {
		if _, err := ExprFromQuery(disk.TagQuery); err == nil {
			rec.TagQuery = append(json.RawMessage(nil), disk.TagQuery...)
		} else {
			logger.Warn("dropping malformed tagQuery from persisted session",
				zap.String("session", disk.SessionID),
				zap.Error(err))
		}
	}

	return rec, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
