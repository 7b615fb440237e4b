// Package monitor validates inbound request bodies against JSON schema
// contracts before they reach the automaton.
package monitor

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/run_transaction.json
var runTransactionSchema []byte

// ContractMonitor validates incoming requests against a JSON schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// New compiles schema into a ContractMonitor.
func New(schema []byte) (*ContractMonitor, error) {
	return newContractMonitor(gojsonschema.NewBytesLoader(schema), "inline schema")
}

// NewContractMonitor loads the schema at schemaPath, an absolute path or one
// relative to the working directory.
func NewContractMonitor(schemaPath string) (*ContractMonitor, error) {
	return newContractMonitor(gojsonschema.NewReferenceLoader("file://"+schemaPath), schemaPath)
}

// NewRunTransactionMonitor returns the monitor for POST /v1/payments/transactions.
func NewRunTransactionMonitor() *ContractMonitor {
	cm, err := New(runTransactionSchema)
	if err != nil {
		panic(fmt.Sprintf("monitor: embedded run transaction schema: %v", err))
	}
	return cm
}

func newContractMonitor(loader gojsonschema.JSONLoader, name string) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// Validate validates the given request body against the schema.
// It returns true if valid, or false and a list of validation errors if invalid.
// A body that is not JSON at all is reported as an error.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}

	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
