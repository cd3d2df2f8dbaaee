// Package mcpserver exposes the interception control plane over an
// MCP-style HTTP surface: single-step tool calls, the two-phase
// propose/commit endpoints for irreversible tools, and a capability
// manifest with per-tool argument schemas.
package mcpserver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CapabilityManifest holds the per-tool JSON Schemas tool arguments are
// validated against at the wire boundary, before a call reaches risk
// scoring or policy evaluation.
type CapabilityManifest struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewCapabilityManifest returns an empty manifest.
func NewCapabilityManifest() *CapabilityManifest {
	return &CapabilityManifest{schemas: make(map[string]*jsonschema.Schema)}
}

// Add compiles and registers the JSON Schema for toolName's arguments. An
// empty schema removes any existing registration, leaving the tool's
// arguments unvalidated.
func (m *CapabilityManifest) Add(toolName, schemaJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if schemaJSON == "" {
		delete(m.schemas, toolName)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://mcpguard.schemas.local/tools/%s.schema.json", toolName)
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("mcpserver: schema load for %q failed: %w", toolName, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("mcpserver: schema compile for %q failed: %w", toolName, err)
	}
	m.schemas[toolName] = compiled
	return nil
}

// Validate checks args against toolName's registered schema. A tool with
// no schema passes.
func (m *CapabilityManifest) Validate(toolName string, args map[string]any) error {
	m.mu.RLock()
	schema := m.schemas[toolName]
	m.mu.RUnlock()

	if schema == nil {
		return nil
	}
	// jsonschema validates any-typed JSON values; map[string]any is what
	// the HTTP layer decodes bodies into.
	if err := schema.Validate(anyMap(args)); err != nil {
		return fmt.Errorf("mcpserver: args for %q failed schema validation: %w", toolName, err)
	}
	return nil
}

func anyMap(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
