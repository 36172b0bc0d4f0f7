package graphmap

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

//go:embed wire_graph.schema.json
var wireGraphSchemaJSON string

var (
	wireSchemaOnce sync.Once
	wireSchema     *jsonschema.Schema
	wireSchemaErr  error
)

func compiledWireSchema() (*jsonschema.Schema, error) {
	wireSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("wire_graph.schema.json", strings.NewReader(wireGraphSchemaJSON)); err != nil {
			wireSchemaErr = err
			return
		}
		wireSchema, wireSchemaErr = c.Compile("wire_graph.schema.json")
	})
	return wireSchema, wireSchemaErr
}

// ValidateWireSchema checks a wire graph document (for example one served by
// GET /templates/{id}/graph) against the wire schema. UI-only fields are
// rejected. Failures are BAD_INPUT.
func ValidateWireSchema(doc []byte) error {
	s, err := compiledWireSchema()
	if err != nil {
		return contract.NewError(contract.CodeServerError, "wire graph schema: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return contract.BadInput("graph", "graph is not valid JSON: %v", err)
	}
	if err := s.Validate(v); err != nil {
		return contract.BadInput("graph", "graph does not match wire schema: %v", err)
	}
	return nil
}

// DecodeWireGraph validates doc and decodes it.
func DecodeWireGraph(doc []byte) (contract.WireGraph, error) {
	if err := ValidateWireSchema(doc); err != nil {
		return contract.WireGraph{}, err
	}
	var g contract.WireGraph
	if err := json.Unmarshal(doc, &g); err != nil {
		return contract.WireGraph{}, contract.BadInput("graph", "decode graph: %v", err)
	}
	return g, nil
}
