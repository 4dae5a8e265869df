package changeset

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/hash"
)

// genServerMap draws a server map from a small name pool so old/new overlap.
func genServerMap(t *rapid.T, label string) map[string]*config.ServerConfig {
	names := rapid.SliceOfNDistinct(rapid.SampledFrom([]string{
		"alpha", "beta", "gamma", "delta", "epsilon", "zeta",
	}), 0, 6, rapid.ID[string]).Draw(t, label+"Names")

	servers := make(map[string]*config.ServerConfig, len(names))
	for _, name := range names {
		cfg := &config.ServerConfig{}
		if rapid.Bool().Draw(t, label+"_"+name+"_stdio") {
			cfg.Command = rapid.SampledFrom([]string{"node", "deno", "python"}).Draw(t, label+"_"+name+"_cmd")
		} else {
			cfg.URL = "https://" + name + ".example.com" + rapid.SampledFrom([]string{"/mcp", "/sse"}).Draw(t, label+"_"+name+"_path")
		}
		cfg.Tags = rapid.SliceOfNDistinct(rapid.SampledFrom([]string{"dev", "prod", "web"}), 0, 3, rapid.ID[string]).Draw(t, label+"_"+name+"_tags")
		servers[name] = cfg
	}
	return servers
}

// Change completeness: every name in exactly one of old/new produces exactly
// one add or remove record; names in both produce at most one record, and
// none when the configs are canonically equal.
func TestAnalyze_Completeness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		oldServers := genServerMap(t, "old")
		newServers := genServerMap(t, "new")

		analysis := Analyze(oldServers, newServers)

		perServer := make(map[string][]Record)
		for _, record := range analysis.Records {
			perServer[record.ServerID] = append(perServer[record.ServerID], record)
		}

		for name := range oldServers {
			if _, inNew := newServers[name]; !inNew {
				records := perServer[name]
				if len(records) != 1 || records[0].Type != ChangeRemoveServer {
					t.Fatalf("server %s removed but records = %v", name, records)
				}
			}
		}
		for name := range newServers {
			if _, inOld := oldServers[name]; !inOld {
				records := perServer[name]
				if len(records) != 1 || records[0].Type != ChangeAddServer {
					t.Fatalf("server %s added but records = %v", name, records)
				}
			}
		}
		for name, oldCfg := range oldServers {
			newCfg, inNew := newServers[name]
			if !inNew {
				continue
			}
			records := perServer[name]
			if hash.Equal(oldCfg, newCfg) {
				if len(records) != 0 {
					t.Fatalf("server %s unchanged but records = %v", name, records)
				}
			} else if len(records) != 1 {
				t.Fatalf("server %s changed but records = %v", name, records)
			}
		}

		if analysis.Summary.TotalChanges != len(analysis.Records) {
			t.Fatalf("summary count %d != records %d", analysis.Summary.TotalChanges, len(analysis.Records))
		}
	})
}

// Analyze(C, C) is always empty, for any generated map.
func TestAnalyze_IdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		servers := genServerMap(t, "cfg")
		analysis := Analyze(servers, servers)
		if len(analysis.Records) != 0 {
			t.Fatalf("self-diff produced records: %v", analysis.Records)
		}
	})
}
