package config

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

// documentSchema validates the shape of mcp.json after substitution. Unknown
// fields pass through for forward compatibility.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "mcpServers": {
      "type": "object",
      "additionalProperties": {"$ref": "#/definitions/server"}
    },
    "mcpTemplates": {
      "type": "object",
      "additionalProperties": {"$ref": "#/definitions/server"}
    },
    "templateSettings": {
      "type": "object",
      "properties": {
        "cacheContext": {"type": "boolean"},
        "failureMode": {"type": "string", "enum": ["strict", "graceful"]}
      }
    }
  },
  "definitions": {
    "server": {
      "type": "object",
      "properties": {
        "kind": {"type": "string", "enum": ["stdio", "http", "sse"]},
        "command": {"type": "string"},
        "args": {"type": "array", "items": {"type": "string"}},
        "cwd": {"type": "string"},
        "env": {
          "oneOf": [
            {"type": "object", "additionalProperties": {"type": "string"}},
            {"type": "array", "items": {"type": "string"}}
          ]
        },
        "inheritParentEnv": {"type": "boolean"},
        "envFilter": {"type": "array", "items": {"type": "string"}},
        "restartOnExit": {"type": "boolean"},
        "maxRestarts": {"type": "integer", "minimum": 0},
        "restartDelay": {"type": "integer", "minimum": 0},
        "url": {"type": "string"},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "tags": {"type": "array", "items": {"type": "string"}},
        "disabled": {"type": "boolean"},
        "connectionTimeout": {"type": "integer", "minimum": 0},
        "requestTimeout": {"type": "integer", "minimum": 0},
        "oauth": {
          "type": "object",
          "properties": {
            "clientId": {"type": "string"},
            "clientSecret": {"type": "string"},
            "scopes": {"type": "array", "items": {"type": "string"}},
            "autoRegister": {"type": "boolean"},
            "redirectUrl": {"type": "string"}
          }
        },
        "template": {
          "type": "object",
          "properties": {
            "shareable": {"type": "boolean"},
            "maxInstances": {"type": "integer", "minimum": 0},
            "idleTimeout": {"type": "integer", "minimum": 0},
            "perClient": {"type": "boolean"}
          }
        }
      }
    }
  }
}`

// validateSchema checks the substituted document bytes against the embedded
// schema. Violations come back in schema evaluation order as
// apperr.Validation values.
func validateSchema(data []byte) []error {
	schemaLoader := gojsonschema.NewBytesLoader([]byte(documentSchema))
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return []error{apperr.Validation("$", err.Error())}
	}
	if result.Valid() {
		return nil
	}

	violations := make([]error, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, apperr.Validation(desc.Field(), desc.Description()))
	}
	return violations
}

// validateServers enforces the cross-field rules the schema cannot express:
// exactly one of command or url, and kind consistency. Violations come back
// in server-name order.
func validateServers(section string, servers map[string]*ServerConfig) []error {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []error
	for _, name := range names {
		srv := servers[name]
		path := fmt.Sprintf("%s.%s", section, name)

		hasCommand := srv.Command != ""
		hasURL := srv.URL != ""
		switch {
		case hasCommand && hasURL:
			violations = append(violations, apperr.Validation(path, "exactly one of command or url must be set, got both"))
		case !hasCommand && !hasURL:
			violations = append(violations, apperr.Validation(path, "exactly one of command or url must be set, got neither"))
		}

		switch srv.Kind {
		case "":
			// inferred later
		case KindStdio:
			if !hasCommand {
				violations = append(violations, apperr.Validation(path+".kind", "kind stdio requires command"))
			}
		case KindHTTP, KindSSE:
			if !hasURL {
				violations = append(violations, apperr.Validation(path+".kind", fmt.Sprintf("kind %s requires url", srv.Kind)))
			}
		default:
			violations = append(violations, apperr.Validation(path+".kind", fmt.Sprintf("unknown kind %q", srv.Kind)))
		}
	}
	return violations
}
