package rlm

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// workerResponseSchemaJSON is the JSON Schema every line read from the
// interpreter subprocess's stdout must satisfy before the orchestrator
// trusts its shape. Grounded on the teacher's use of
// santhosh-tekuri/jsonschema/v5 to validate tool-call argument envelopes
// before they reach business logic.
const workerResponseSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["ok"],
	"properties": {
		"ok": {"type": "boolean"},
		"stdout": {"type": "string"},
		"stderr": {"type": "string"},
		"locals": {"type": "object"},
		"value": {"type": "string"},
		"found": {"type": "boolean"},
		"error": {"type": "string"}
	}
}`

var workerResponseSchema = compileWorkerResponseSchema()

func compileWorkerResponseSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("worker-response.json", bytes.NewReader([]byte(workerResponseSchemaJSON))); err != nil {
		panic(fmt.Sprintf("rlm: invalid embedded worker response schema: %v", err))
	}
	schema, err := compiler.Compile("worker-response.json")
	if err != nil {
		panic(fmt.Sprintf("rlm: invalid embedded worker response schema: %v", err))
	}
	return schema
}

// validateWorkerResponse checks decoded (one JSON value, as produced by
// json.Unmarshal of line into an any) against workerResponseSchema,
// returning a WorkerProtocolError describing the first violation.
func validateWorkerResponse(line []byte, decoded any) error {
	if err := workerResponseSchema.Validate(decoded); err != nil {
		return &WorkerProtocolError{Line: string(line), Err: err}
	}
	return nil
}
