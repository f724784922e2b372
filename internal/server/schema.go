package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const queryRequestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1, "maxLength": 2000},
    "answer": {
      "type": "object",
      "additionalProperties": false,
      "required": ["column", "value"],
      "properties": {
        "column": {"type": "string", "minLength": 1},
        "value": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var (
	compileOnce   sync.Once
	requestSchema *jsonschema.Schema
	compileErr    error
)

func querySchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("query_request.json", strings.NewReader(queryRequestSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("query_request.json")
		if err != nil {
			compileErr = fmt.Errorf("compile query request schema: %w", err)
			return
		}
		requestSchema = schema
	})
	return requestSchema, compileErr
}

// validateQueryRequest checks the raw body against the request schema.
func validateQueryRequest(data []byte) error {
	schema, err := querySchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("body is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("body does not match schema: %w", err)
	}
	return nil
}
