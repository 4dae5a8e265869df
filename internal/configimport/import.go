package configimport

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/storage"
)

// Importer merges servers from a foreign client config into the proxy's
// document. The target is edited with JSON patches rather than re-marshaled,
// so comments and formatting in a hand-maintained mcp.json survive the
// import. If the proxy is running with a watcher on the document directory,
// the written file hot-reloads like any other edit.
type Importer struct {
	logger *zap.Logger
}

// NewImporter builds an Importer.
func NewImporter(logger *zap.Logger) *Importer {
	return &Importer{logger: logger.Named("import")}
}

// Run reads sourcePath, parses it as format (detecting when FormatAuto),
// and merges the discovered servers into the document at configPath. Names
// already present in the document, as servers or as templates, are reported
// as skipped rather than overwritten. With dryRun the merged result is
// computed and reported but nothing is written.
func (im *Importer) Run(sourcePath string, format Format, configPath string, dryRun bool) (*Result, error) {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, apperr.IO(err, "read import source %s", sourcePath)
	}

	if format == FormatAuto {
		format, err = DetectFormat(content)
		if err != nil {
			return nil, err
		}
	}

	var (
		servers  map[string]*config.ServerConfig
		warnings []string
	)
	switch format {
	case FormatClaude:
		servers, warnings, err = parseClaude(content)
	case FormatCodex:
		servers, warnings, err = parseCodex(content)
	default:
		return nil, apperr.New(apperr.KindParse, "unknown import format %q", format)
	}
	if err != nil {
		return nil, err
	}

	existing, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		existing = []byte("{}\n")
	case err != nil:
		return nil, apperr.IO(err, "read document %s", configPath)
	case len(existing) == 0:
		existing = []byte("{}\n")
	}

	taken, hasServersKey, err := documentNames(existing)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParse, err, "document %s", configPath)
	}

	result := &Result{Format: format, Warnings: warnings, DryRun: dryRun}

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var ops []patchOp
	if !hasServersKey {
		ops = append(ops, patchOp{Op: "add", Path: "/mcpServers", Value: json.RawMessage("{}")})
	}
	for _, name := range names {
		if reason, ok := taken[name]; ok {
			result.Skipped = append(result.Skipped, Skipped{Name: name, Reason: reason})
			continue
		}
		encoded, err := json.Marshal(servers[name])
		if err != nil {
			return nil, fmt.Errorf("encode server %q: %w", name, err)
		}
		ops = append(ops, patchOp{Op: "add", Path: "/mcpServers/" + escapePointer(name), Value: encoded})
		result.Imported = append(result.Imported, name)
	}

	if len(result.Imported) == 0 {
		im.logger.Info("nothing to import",
			zap.String("source", sourcePath),
			zap.String("format", string(format)),
			zap.Int("skipped", len(result.Skipped)))
		return result, nil
	}

	merged, err := applyPatch(existing, ops)
	if err != nil {
		return nil, err
	}

	if !dryRun {
		if err := storage.WriteFileAtomic(configPath, merged, 0o600); err != nil {
			return nil, apperr.IO(err, "write document %s", configPath)
		}
	}

	im.logger.Info("import complete",
		zap.String("source", sourcePath),
		zap.String("format", string(format)),
		zap.Int("imported", len(result.Imported)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Bool("dry_run", dryRun))
	return result, nil
}

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// documentNames reports which names the document already claims, mapped to
// the reason an import would skip them, plus whether the top-level
// mcpServers key exists at all.
func documentNames(content []byte) (map[string]string, bool, error) {
	standardized, err := hujson.Standardize(content)
	if err != nil {
		return nil, false, err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(standardized, &keys); err != nil {
		return nil, false, err
	}
	_, hasServersKey := keys["mcpServers"]

	var doc config.Document
	if err := json.Unmarshal(standardized, &doc); err != nil {
		return nil, false, err
	}

	taken := make(map[string]string, len(doc.Servers)+len(doc.Templates))
	for name := range doc.Servers {
		taken[name] = "already exists"
	}
	for name := range doc.Templates {
		taken[name] = "name is taken by a template"
	}
	return taken, hasServersKey, nil
}

// applyPatch runs the JSON-patch ops against the raw document, preserving
// comments, and verifies the result still decodes as a document.
func applyPatch(content []byte, ops []patchOp) ([]byte, error) {
	patch, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}

	v, err := hujson.Parse(content)
	if err != nil {
		return nil, apperr.Parse(err, "parse document")
	}
	if err := v.Patch(patch); err != nil {
		return nil, apperr.Parse(err, "merge servers into document")
	}

	merged, err := hujson.Format(v.Pack())
	if err != nil {
		return nil, apperr.Parse(err, "format merged document")
	}

	standardized, err := hujson.Standardize(merged)
	if err != nil {
		return nil, apperr.Parse(err, "verify merged document")
	}
	var doc config.Document
	if err := json.Unmarshal(standardized, &doc); err != nil {
		return nil, apperr.Parse(err, "verify merged document")
	}
	return merged, nil
}

// escapePointer applies RFC 6901 escaping to one JSON pointer segment.
func escapePointer(segment string) string {
	segment = strings.ReplaceAll(segment, "~", "~0")
	return strings.ReplaceAll(segment, "/", "~1")
}
