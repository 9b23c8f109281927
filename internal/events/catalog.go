package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Metadata describes how an event type is routed and validated.
type Metadata struct {
	Topic         string
	SchemaSubject string
	Schema        string
}

// Catalog lists every event type this service reads or writes.
var Catalog = map[string]Metadata{
	TypeImportJobFinished: {
		Topic:         "reconciliation_import_jobs",
		SchemaSubject: "reconciliation_import_jobs-value",
		Schema:        importJobFinishedSchema,
	},
	TypeCoherenceCheckFinished: {
		Topic:         "reconciliation_coherence_checks",
		SchemaSubject: "reconciliation_coherence_checks-value",
		Schema:        coherenceCheckFinishedSchema,
	},
	TypeSyncRunFinished: {
		Topic:         "reconciliation_sync_runs",
		SchemaSubject: "reconciliation_sync_runs-value",
		Schema:        syncRunFinishedSchema,
	},
	TypePresenceRecorded: {
		Topic:         "presence_events",
		SchemaSubject: "presence_events-value",
		Schema:        presenceRecordedSchema,
	},
}

// Lookup returns the metadata of eventType.
func Lookup(eventType string) (Metadata, error) {
	meta, ok := Catalog[eventType]
	if !ok {
		return Metadata{}, fmt.Errorf("unknown event type: %s", eventType)
	}
	return meta, nil
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiled = make(map[string]*jsonschema.Schema, len(Catalog))
		for eventType, meta := range Catalog {
			url := meta.SchemaSubject + ".json"
			if err := compiler.AddResource(url, bytes.NewReader([]byte(meta.Schema))); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", eventType, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", eventType, err)
				return
			}
			compiled[eventType] = schema
		}
	})
	return compiled, compileErr
}

// Validate checks payload against the schema registered for eventType.
func Validate(eventType string, payload []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	schema, ok := all[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%s payload: %w", eventType, err)
	}
	return nil
}
