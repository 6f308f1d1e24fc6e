package transform

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	TransformIdentity    = "identity"
	TransformFunction    = "function"
	TransformConstant    = "constant"
	TransformConditional = "conditional"
)

const (
	DataTypeString  = "string"
	DataTypeNumber  = "number"
	DataTypeBoolean = "boolean"
	DataTypeDate    = "date"
	DataTypeList    = "list"
)

const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpExists   = "exists"
)

// Rule is one declarative mapping step. Rules are data, not code: mappings are
// validated, versioned and stored without a compilation step.
type Rule struct {
	SourceField string `json:"source_field"`
	TargetField string `json:"target_field"`
	Transform   string `json:"transform"`
	DataType    string `json:"data_type"`
	Required    bool   `json:"required,omitempty"`

	// DependsOnPrevious makes reads resolve against the output built so far
	// instead of the original source record.
	DependsOnPrevious bool `json:"depends_on_previous,omitempty"`

	Config RuleConfig `json:"config,omitempty"`
}

type RuleConfig struct {
	// Function names a pure transformation from the fixed registry.
	Function string `json:"function,omitempty"`
	// Constant is written verbatim regardless of source.
	Constant any `json:"constant,omitempty"`
	// Condition selects Then or Else for conditional rules.
	Condition *Condition `json:"condition,omitempty"`
	Then      *Rule      `json:"then,omitempty"`
	Else      *Rule      `json:"else,omitempty"`
}

// Condition is a simple predicate over the source record.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value,omitempty"`
}

// Mapping is an ordered, executable rule set.
type Mapping struct {
	Name         string
	Version      int
	Rules        []Rule
	TargetSchema *jsonschema.Schema
}

// Warning records a non-fatal per-field problem; the field is omitted and the
// record continues.
type Warning struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

const (
	ReasonTypeCoercionFailed = "TypeCoercionFailed"
	ReasonFunctionFailed     = "FunctionFailed"
)

// Result is a successfully transformed record plus any field-level warnings.
type Result struct {
	Output   map[string]any
	Warnings []Warning
}

// RecordError rejects the entire record (required field missing, schema
// validation failure). The job records it and continues with the next record.
type RecordError struct {
	Field  string
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record rejected: field=%s reason=%s", e.Field, e.Reason)
}

const (
	ReasonMissingRequired        = "MissingRequiredField"
	ReasonSchemaValidationFailed = "SchemaValidationFailed"
)

// ValidationError is a fatal mapping configuration error, caught at
// mapping-validation time, never surfaced mid-job.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "invalid mapping: " + e.Issues[0]
	}
	return fmt.Sprintf("invalid mapping: %d issues, first: %s", len(e.Issues), e.Issues[0])
}
