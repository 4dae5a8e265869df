// Package changeset diffs two validated server maps into per-server change
// records plus an impact summary, feeding the selective reload engine.
package changeset

import (
	"encoding/json"
	"sort"

	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/hash"
)

// ChangeType classifies a per-server change.
type ChangeType string

const (
	ChangeAddServer    ChangeType = "addServer"
	ChangeRemoveServer ChangeType = "removeServer"
	ChangeModifyServer ChangeType = "modifyServer"
	ChangeTransport    ChangeType = "transportChange"
	ChangeTags         ChangeType = "tagsChange"
)

// ReloadStrategy is the analyzer's recommendation for applying a diff.
type ReloadStrategy string

const (
	StrategyFull     ReloadStrategy = "full"
	StrategyPartial  ReloadStrategy = "partial"
	StrategyDeferred ReloadStrategy = "deferred"
)

// Record describes one affected server.
type Record struct {
	ServerID      string               `json:"serverId"`
	Type          ChangeType           `json:"changeType"`
	Old           *config.ServerConfig `json:"oldConfig,omitempty"`
	New           *config.ServerConfig `json:"newConfig,omitempty"`
	FieldsChanged []string             `json:"fieldsChanged,omitempty"`
}

// RequiresReconnect reports whether applying this record touches the
// server's connection. Tag-only changes are pure metadata.
func (r *Record) RequiresReconnect() bool {
	return r.Type != ChangeTags
}

// ImpactSummary aggregates a diff for operators and the reload engine.
type ImpactSummary struct {
	TotalChanges        int            `json:"totalChanges"`
	RequiresFullRestart bool           `json:"requiresFullRestart"`
	CanPartialReload    bool           `json:"canPartialReload"`
	AffectedServers     []string       `json:"affectedServers"`
	ReloadStrategy      ReloadStrategy `json:"reloadStrategy"`
}

// Analysis is the full diff output.
type Analysis struct {
	Records []Record      `json:"records"`
	Summary ImpactSummary `json:"summary"`
}

// Analyze diffs two server maps. Records come back sorted by server name;
// classification follows the change-record rules: presence diffs are
// add/remove, a pure tags diff is tagsChange, an effective-kind flip or a
// command↔url flip is transportChange, anything else is modifyServer.
func Analyze(oldServers, newServers map[string]*config.ServerConfig) *Analysis {
	names := make(map[string]struct{}, len(oldServers)+len(newServers))
	for name := range oldServers {
		names[name] = struct{}{}
	}
	for name := range newServers {
		names[name] = struct{}{}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var records []Record
	for _, name := range sorted {
		oldCfg, inOld := oldServers[name]
		newCfg, inNew := newServers[name]

		switch {
		case !inOld:
			records = append(records, Record{ServerID: name, Type: ChangeAddServer, New: newCfg})
		case !inNew:
			records = append(records, Record{ServerID: name, Type: ChangeRemoveServer, Old: oldCfg})
		default:
			if record, changed := compareConfigs(name, oldCfg, newCfg); changed {
				records = append(records, record)
			}
		}
	}

	return &Analysis{Records: records, Summary: summarize(records)}
}

// compareConfigs deep-compares two configs for the same name using canonical
// JSON, arrays order-significant.
func compareConfigs(name string, oldCfg, newCfg *config.ServerConfig) (Record, bool) {
	if hash.Equal(oldCfg, newCfg) {
		return Record{}, false
	}

	fields := changedFields(oldCfg, newCfg)
	record := Record{ServerID: name, Old: oldCfg, New: newCfg, FieldsChanged: fields}

	switch {
	case len(fields) == 1 && fields[0] == "tags":
		record.Type = ChangeTags
	case oldCfg.EffectiveKind() != newCfg.EffectiveKind(),
		(oldCfg.Command != "") != (newCfg.Command != ""),
		(oldCfg.URL != "") != (newCfg.URL != ""):
		record.Type = ChangeTransport
	default:
		record.Type = ChangeModifyServer
	}
	return record, true
}

// changedFields returns the JSON field names whose canonical values differ,
// sorted.
func changedFields(oldCfg, newCfg *config.ServerConfig) []string {
	oldMap := toMap(oldCfg)
	newMap := toMap(newCfg)

	keys := make(map[string]struct{}, len(oldMap)+len(newMap))
	for k := range oldMap {
		keys[k] = struct{}{}
	}
	for k := range newMap {
		keys[k] = struct{}{}
	}

	var fields []string
	for key := range keys {
		oldVal, inOld := oldMap[key]
		newVal, inNew := newMap[key]
		if inOld != inNew || !hash.Equal(oldVal, newVal) {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	return fields
}

func toMap(cfg *config.ServerConfig) map[string]interface{} {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// summarize builds the ImpactSummary. Nothing in a server-map diff forces a
// proxy restart, so the recommendation is always partial; full and deferred
// exist for explicit operator overrides.
func summarize(records []Record) ImpactSummary {
	affected := make([]string, 0, len(records))
	for i := range records {
		affected = append(affected, records[i].ServerID)
	}

	return ImpactSummary{
		TotalChanges:        len(records),
		RequiresFullRestart: false,
		CanPartialReload:    true,
		AffectedServers:     affected,
		ReloadStrategy:      StrategyPartial,
	}
}
