// Package schemavalidation checks inbound event batches and persisted
// profiles against embedded JSON Schemas before they are decoded.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"fluxauth/internal/features"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const baseURL = "https://fluxauth.local/schema/"

// Schema names.
const (
	SchemaEvent      = "event.schema.json"
	SchemaSession    = "session.schema.json"
	SchemaEnrollment = "enrollment.schema.json"
	SchemaProfile    = "profile.schema.json"
)

var (
	// ErrRawKeyData is returned when an event carries key identity fields.
	ErrRawKeyData = errors.New("schemavalidation: raw key data is not accepted")

	// ErrInvalidDocument wraps schema violations.
	ErrInvalidDocument = errors.New("schemavalidation: document does not match schema")
)

// rawKeyFields identify the pressed key and must never be submitted.
var rawKeyFields = []string{"key", "code", "char", "keyCode", "which"}

// SessionBatch is a validated live session.
type SessionBatch struct {
	UserID    string           `json:"userId"`
	SessionID string           `json:"sessionId,omitempty"`
	Events    []features.Event `json:"events"`
}

// EnrollmentBatch is a validated set of enrollment sessions.
type EnrollmentBatch struct {
	UserID   string             `json:"userId"`
	Sessions [][]features.Event `json:"sessions"`
}

// Validator holds the compiled schemas. It is safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	names := []string{SchemaEvent, SchemaSession, SchemaEnrollment, SchemaProfile}
	for _, name := range names {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(baseURL+name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := compiler.Compile(baseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

var (
	defaultValidator *Validator
	defaultOnce      sync.Once
)

// Default returns a shared validator. The embedded schemas are fixed at
// build time, so a compile failure is a programming error.
func Default() *Validator {
	defaultOnce.Do(func() {
		v, err := New()
		if err != nil {
			panic(err)
		}
		defaultValidator = v
	})
	return defaultValidator
}

// Validate checks data against the named schema.
func (v *Validator) Validate(name string, data []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if err := rejectRawKeys(name, instance); err != nil {
		return err
	}

	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// DecodeSession validates and decodes a live session batch.
func (v *Validator) DecodeSession(data []byte) (*SessionBatch, error) {
	if err := v.Validate(SchemaSession, data); err != nil {
		return nil, err
	}
	var batch SessionBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &batch, nil
}

// DecodeEnrollment validates and decodes an enrollment batch.
func (v *Validator) DecodeEnrollment(data []byte) (*EnrollmentBatch, error) {
	if err := v.Validate(SchemaEnrollment, data); err != nil {
		return nil, err
	}
	var batch EnrollmentBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decode enrollment: %w", err)
	}
	return &batch, nil
}

// rejectRawKeys scans every event in the document for key identity fields.
func rejectRawKeys(name string, instance any) error {
	doc, ok := instance.(map[string]any)
	if !ok {
		return nil
	}

	var batches [][]any
	switch name {
	case SchemaSession:
		if events, ok := doc["events"].([]any); ok {
			batches = append(batches, events)
		}
	case SchemaEnrollment:
		sessions, _ := doc["sessions"].([]any)
		for _, s := range sessions {
			if events, ok := s.([]any); ok {
				batches = append(batches, events)
			}
		}
	case SchemaEvent:
		batches = append(batches, []any{doc})
	}

	for b, events := range batches {
		for i, e := range events {
			ev, ok := e.(map[string]any)
			if !ok {
				continue
			}
			for _, field := range rawKeyFields {
				if _, present := ev[field]; present {
					return fmt.Errorf("%w: session %d event %d has %q", ErrRawKeyData, b, i, field)
				}
			}
		}
	}
	return nil
}
