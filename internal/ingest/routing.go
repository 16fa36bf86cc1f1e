package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type BindingKind string

const (
	BindingProduction BindingKind = "production"
	BindingTesting    BindingKind = "testing"
	BindingFallback   BindingKind = "fallback"
)

const DefaultAccountID = "default"

type WorkbookBinding struct {
	AccountID      string      `json:"accountId"`
	WorkbookHandle string      `json:"workbookHandle"`
	WorkspaceName  string      `json:"workspaceName"`
	Kind           BindingKind `json:"kind"`
	Patterns       []string    `json:"patterns,omitempty"`
	Active         bool        `json:"active"`
}

type RoutingTable struct {
	bindings []WorkbookBinding
	byID     map[string]WorkbookBinding
	fallback WorkbookBinding
}

const routingTableSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["bindings"],
  "properties": {
    "bindings": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["accountId", "workbookHandle", "workspaceName", "kind"],
        "properties": {
          "accountId": {"type": "string", "minLength": 1},
          "workbookHandle": {"type": "string", "minLength": 1},
          "workspaceName": {"type": "string", "minLength": 1},
          "kind": {"enum": ["production", "testing", "fallback"]},
          "patterns": {"type": "array", "items": {"type": "string"}},
          "active": {"type": "boolean"}
        }
      }
    }
  }
}`

func compileRoutingSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(routingTableSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("routing.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("routing.schema.json")
}

func LoadRoutingTable(path string) (*RoutingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRoutingTable(data)
}

func ParseRoutingTable(data []byte) (*RoutingTable, error) {
	schema, err := compileRoutingSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("routing table is not valid json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("routing table failed validation: %w", err)
	}

	var parsed struct {
		Bindings []WorkbookBinding `json:"bindings"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	table := &RoutingTable{byID: map[string]WorkbookBinding{}}
	for _, binding := range parsed.Bindings {
		binding.AccountID = NormalizeAccountID(binding.AccountID)
		if binding.AccountID == "" {
			return nil, fmt.Errorf("%w: binding account id normalizes to empty", ErrInvalidInput)
		}
		if !binding.Active {
			continue
		}
		if _, dup := table.byID[binding.AccountID]; dup {
			return nil, fmt.Errorf("%w: more than one active binding for account %s", ErrInvalidInput, binding.AccountID)
		}
		table.byID[binding.AccountID] = binding
		table.bindings = append(table.bindings, binding)
		if binding.AccountID == DefaultAccountID {
			table.fallback = binding
		}
	}
	if table.fallback.AccountID == "" {
		return nil, fmt.Errorf("%w: routing table has no active default binding", ErrInvalidInput)
	}
	return table, nil
}

// Lookup maps an account id to its binding. The second return is false when
// the deterministic fallback was used.
func (t *RoutingTable) Lookup(accountID string) (WorkbookBinding, bool) {
	accountID = NormalizeAccountID(accountID)
	if accountID != "" && accountID != DefaultAccountID {
		if binding, ok := t.byID[accountID]; ok {
			return binding, true
		}
		for _, binding := range t.bindings {
			for _, pattern := range binding.Patterns {
				pattern = NormalizeAccountID(pattern)
				if pattern == "" {
					continue
				}
				if strings.Contains(accountID, pattern) || strings.Contains(pattern, accountID) {
					return binding, true
				}
			}
		}
	}
	return t.fallback, false
}

func (t *RoutingTable) Fallback() WorkbookBinding {
	return t.fallback
}

func (t *RoutingTable) Bindings() []WorkbookBinding {
	return append([]WorkbookBinding(nil), t.bindings...)
}
