package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const personSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "TestSchema",
	"type": "object",
	"properties": { "name": { "type": "string" } },
	"required": ["name"]
}`

func TestNewContractMonitor(t *testing.T) {
	schemaDir := t.TempDir()
	schemaFile := filepath.Join(schemaDir, "test_schema.json")
	if err := os.WriteFile(schemaFile, []byte(personSchema), 0644); err != nil {
		t.Fatalf("Failed to write test schema file: %v", err)
	}

	t.Run("SuccessfulLoad", func(t *testing.T) {
		cm, err := NewContractMonitor(schemaFile)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if cm == nil || cm.schema == nil {
			t.Fatal("Expected a compiled schema")
		}
		if valid, _, _ := cm.Validate([]byte(`{"name":"x"}`)); !valid {
			t.Error("Expected document to be valid")
		}
	})

	t.Run("SchemaFileNotFound", func(t *testing.T) {
		_, err := NewContractMonitor("non_existent_schema.json")
		if err == nil {
			t.Fatal("Expected error for non-existent schema, got nil")
		}
		if !strings.Contains(err.Error(), "error loading or compiling schema") || !strings.Contains(err.Error(), "must be canonical") {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("InvalidSchemaSyntax", func(t *testing.T) {
		invalidSchemaFile := filepath.Join(schemaDir, "invalid_schema.json")
		if err := os.WriteFile(invalidSchemaFile, []byte("{invalid_json"), 0644); err != nil {
			t.Fatalf("Failed to write invalid test schema file: %v", err)
		}
		if _, err := NewContractMonitor(invalidSchemaFile); err == nil {
			t.Fatal("Expected error for invalid schema syntax, got nil")
		}
	})

	t.Run("InlineSchema", func(t *testing.T) {
		if _, err := New([]byte(personSchema)); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if _, err := New([]byte(`{"type": 12}`)); err == nil {
			t.Fatal("Expected error for a schema with a bad type keyword")
		}
	})
}

func TestRunTransactionMonitor_Validate(t *testing.T) {
	cm := NewRunTransactionMonitor()

	tests := []struct {
		name          string
		payload       string
		expectValid   bool
		expectErrors  bool
		errorContains []string
	}{
		{
			name: "NewPayment",
			payload: `{"accountId":"0b7b2c8e-2a9b-4a43-9d7c-3f0c1f8f8a11","paymentMethodId":"6f1d3a55-6c0e-4c55-8f63-2d7f0f3f9e21",
				"transactionType":"PURCHASE","amount":"10.00","currency":"USD","paymentExternalKey":"order-1",
				"properties":{"channel":"web"}}`,
			expectValid: true,
		},
		{
			name: "FollowOnByPaymentIdWithNumericAmount",
			payload: `{"accountId":"0b7b2c8e-2a9b-4a43-9d7c-3f0c1f8f8a11","paymentId":"7a3e9c4d-1b2f-4e5a-8c6d-9f0a1b2c3d4e",
				"transactionType":"REFUND","amount":1.5,"currency":"EUR"}`,
			expectValid: true,
		},
		{
			name:          "MissingRequiredField",
			payload:       `{"paymentMethodId":"6f1d3a55-6c0e-4c55-8f63-2d7f0f3f9e21","transactionType":"PURCHASE","amount":"1","currency":"USD"}`,
			expectErrors:  true,
			errorContains: []string{"accountId is required"},
		},
		{
			name:          "NeitherPaymentNorMethod",
			payload:       `{"accountId":"0b7b2c8e-2a9b-4a43-9d7c-3f0c1f8f8a11","transactionType":"PURCHASE","amount":"1","currency":"USD"}`,
			expectErrors:  true,
			errorContains: []string{"paymentId is required"},
		},
		{
			name: "UnknownTransactionType",
			payload: `{"accountId":"0b7b2c8e-2a9b-4a43-9d7c-3f0c1f8f8a11","paymentMethodId":"6f1d3a55-6c0e-4c55-8f63-2d7f0f3f9e21",
				"transactionType":"CHARGEBACK","amount":"1","currency":"USD"}`,
			expectErrors:  true,
			errorContains: []string{"transactionType"},
		},
		{
			name: "BadAmountAndCurrency",
			payload: `{"accountId":"0b7b2c8e-2a9b-4a43-9d7c-3f0c1f8f8a11","paymentMethodId":"6f1d3a55-6c0e-4c55-8f63-2d7f0f3f9e21",
				"transactionType":"PURCHASE","amount":"-1","currency":"usd"}`,
			expectErrors:  true,
			errorContains: []string{"amount", "currency"},
		},
		{
			name: "NotAUUID",
			payload: `{"accountId":"acct-1","paymentMethodId":"6f1d3a55-6c0e-4c55-8f63-2d7f0f3f9e21",
				"transactionType":"PURCHASE","amount":"1","currency":"USD"}`,
			expectErrors:  true,
			errorContains: []string{"accountId", "Does not match format 'uuid'"},
		},
		{
			name:         "MalformedJSON",
			payload:      `{"accountId": "x",`,
			expectErrors: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, validationErrs, funcErr := cm.Validate([]byte(tt.payload))

			if valid != tt.expectValid {
				t.Errorf("Expected valid=%v, got valid=%v. ValidationErrors: %v, FuncErr: %v", tt.expectValid, valid, validationErrs, funcErr)
			}
			if tt.expectErrors && funcErr == nil && len(validationErrs) == 0 {
				t.Errorf("Expected errors, but got none")
			}
			if !tt.expectErrors && (funcErr != nil || len(validationErrs) > 0) {
				t.Errorf("Expected no errors, got %v / %v", funcErr, validationErrs)
			}

			combined := strings.Join(validationErrs, "; ")
			for _, ec := range tt.errorContains {
				if !strings.Contains(combined, ec) {
					t.Errorf("Expected errors to contain '%s', but got: %s", ec, combined)
				}
			}
		})
	}
}

func TestFormatErrors(t *testing.T) {
	tests := []struct {
		name           string
		errors         []string
		expectedOutput string
	}{
		{"NoErrors", []string{}, ""},
		{"SingleError", []string{"currency: Does not match pattern"}, "Validation errors: currency: Does not match pattern"},
		{"MultipleErrors", []string{"Error 1", "Error 2"}, "Validation errors: Error 1; Error 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatErrors(tt.errors); got != tt.expectedOutput {
				t.Errorf("Expected %q, got %q", tt.expectedOutput, got)
			}
		})
	}
}
