package session

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/aggregate"
)

// PresetSource resolves named filter presets. The preset store implements it;
// a nil source makes every preset-pinned session unfiltered.
type PresetSource interface {
	Selection(name string) (Selection, bool)
}

// VisibleSet is one session's filtered view of the aggregate. Filtered is
// false when the session carries no effective filter and simply sees
// everything.
type VisibleSet struct {
	Filtered  bool
	Servers   []string
	Tools     []aggregate.Tool
	Resources []aggregate.Resource
	Prompts   []aggregate.Prompt
	Logging   []string
}

// Filter evaluates session tag filters against server tag sets. A capability
// item is visible exactly when its provider server is.
type Filter struct {
	logger  *zap.Logger
	presets PresetSource
}

// NewFilter builds a filter. presets may be nil.
func NewFilter(logger *zap.Logger, presets PresetSource) *Filter {
	return &Filter{logger: logger.Named("filter"), presets: presets}
}

// ServerVisible reports whether one server's tags pass the session's filter.
func (f *Filter) ServerVisible(rec *Record, serverTags []string) bool {
	sel, filtered := f.selectionFor(rec)
	if !filtered {
		return true
	}
	return sel.Matches(serverTags)
}

// Visible computes the session's view over the aggregate. serverTags maps
// every configured server to its tag list; servers absent from it stay
// hidden from filtered sessions. Result slices are sorted for stable
// list responses.
func (f *Filter) Visible(rec *Record, view *aggregate.View, serverTags map[string][]string) *VisibleSet {
	sel, filtered := f.selectionFor(rec)

	verdicts := make(map[string]bool, len(serverTags))
	visible := func(server string) bool {
		verdict, ok := verdicts[server]
		if !ok {
			verdict = !filtered || sel.Matches(serverTags[server])
			verdicts[server] = verdict
		}
		return verdict
	}

	out := &VisibleSet{Filtered: filtered}
	for server := range serverTags {
		if visible(server) {
			out.Servers = append(out.Servers, server)
		}
	}
	for _, entry := range view.Tools {
		if visible(entry.Server) {
			out.Tools = append(out.Tools, entry)
		}
	}
	for _, entry := range view.Resources {
		if visible(entry.Server) {
			out.Resources = append(out.Resources, entry)
		}
	}
	for _, entry := range view.Prompts {
		if visible(entry.Server) {
			out.Prompts = append(out.Prompts, entry)
		}
	}
	for server, ok := range view.Logging {
		if ok && visible(server) {
			out.Logging = append(out.Logging, server)
		}
	}

	sort.Strings(out.Servers)
	sort.Strings(out.Logging)
	sort.Slice(out.Tools, func(i, j int) bool { return out.Tools[i].Tool.Name < out.Tools[j].Tool.Name })
	sort.Slice(out.Resources, func(i, j int) bool { return out.Resources[i].Resource.URI < out.Resources[j].Resource.URI })
	sort.Slice(out.Prompts, func(i, j int) bool { return out.Prompts[i].Prompt.Name < out.Prompts[j].Prompt.Name })
	return out
}

// selectionFor resolves a record down to one concrete Selection. The second
// result is false when the session is effectively unfiltered: no mode, an
// empty tag list, a dropped expression, or an unresolvable preset. Degrading
// to unfiltered rather than hiding everything mirrors how malformed filter
// fields are dropped at load time.
func (f *Filter) selectionFor(rec *Record) (Selection, bool) {
	sel := Selection{Mode: rec.TagFilterMode, Tags: rec.Tags, Expression: rec.TagExpression}

	if sel.Mode == FilterPreset {
		if f.presets == nil {
			f.logger.Warn("session pinned to a preset but no preset source configured",
				zap.String("session", rec.SessionID),
				zap.String("preset", rec.PresetName))
			return Selection{}, false
		}
		resolved, ok := f.presets.Selection(rec.PresetName)
		if !ok {
			f.logger.Warn("session references unknown preset",
				zap.String("session", rec.SessionID),
				zap.String("preset", rec.PresetName))
			return Selection{}, false
		}
		if resolved.Mode == FilterPreset {
			f.logger.Warn("preset resolves to another preset, ignoring",
				zap.String("session", rec.SessionID),
				zap.String("preset", rec.PresetName))
			return Selection{}, false
		}
		sel = resolved
	}

	switch sel.Mode {
	case FilterSimpleOr, FilterSimpleAnd:
		return sel, len(sel.Tags) > 0
	case FilterAdvanced:
		if sel.Expression == nil && present(rec.TagQuery) {
			expr, err := ExprFromQuery(rec.TagQuery)
			if err != nil {
				f.logger.Warn("session tagQuery no longer parses, ignoring",
					zap.String("session", rec.SessionID),
					zap.Error(err))
			} else {
				sel.Expression = expr
			}
		}
		return sel, sel.Expression != nil
	default:
		return sel, false
	}
}

// Matches applies the selection to one server's tag list.
func (sel Selection) Matches(serverTags []string) bool {
	switch sel.Mode {
	case FilterSimpleOr:
		for _, want := range sel.Tags {
			if hasTagFold(serverTags, want) {
				return true
			}
		}
		return false
	case FilterSimpleAnd:
		for _, want := range sel.Tags {
			if !hasTagFold(serverTags, want) {
				return false
			}
		}
		return true
	case FilterAdvanced:
		return sel.Expression != nil && sel.Expression.Eval(TagSet(serverTags))
	default:
		return true
	}
}

func hasTagFold(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}
