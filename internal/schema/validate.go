package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	compiledMu sync.RWMutex
	compiled   = map[string]*jsonschema.Schema{}
)

// Compile parses a JSON schema document. Compiled schemas are cached by
// document text.
func Compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	key := string(schemaJSON)
	compiledMu.RLock()
	s, ok := compiled[key]
	compiledMu.RUnlock()
	if ok {
		return s, nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	compiledMu.Lock()
	compiled[key] = s
	compiledMu.Unlock()
	return s, nil
}

// CheckToolParameters reports whether a tool's parameter schema compiles and
// describes an object.
func CheckToolParameters(schemaJSON []byte) error {
	if len(bytes.TrimSpace(schemaJSON)) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	if t, ok := doc["type"]; ok && t != "object" {
		return fmt.Errorf("tool parameters must be an object schema, got type %v", t)
	}
	_, err := Compile(schemaJSON)
	return err
}

// ValidateArguments checks decoded tool-call arguments against schemaJSON.
func ValidateArguments(schemaJSON []byte, args map[string]any) error {
	if len(bytes.TrimSpace(schemaJSON)) == 0 {
		return nil
	}
	s, err := Compile(schemaJSON)
	if err != nil {
		return err
	}
	// Round-trip so numbers take the shapes the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return s.Validate(doc)
}
