package transform

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func identityRule(source, target, dataType string) Rule {
	return Rule{SourceField: source, TargetField: target, Transform: TransformIdentity, DataType: dataType}
}

func TestTransform_IdentityCopiesNestedPath(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		identityRule("properties.email", "email", DataTypeString),
	}}
	record := map[string]any{
		"properties": map[string]any{"email": "a@b.com"},
	}

	result, err := Transform(record, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if got := result.Output["email"]; got != "a@b.com" {
		t.Fatalf("expected email a@b.com, got %v", got)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", result.Warnings)
	}
}

func TestTransform_NormalizeEmailFunction(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		{
			SourceField: "properties.email",
			TargetField: "email",
			Transform:   TransformFunction,
			DataType:    DataTypeString,
			Config:      RuleConfig{Function: "normalize_email"},
		},
	}}
	record := map[string]any{
		"properties": map[string]any{"email": " A@B.COM "},
	}

	result, err := Transform(record, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if got := result.Output["email"]; got != "a@b.com" {
		t.Fatalf("expected a@b.com, got %q", got)
	}
}

func TestTransform_Deterministic(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		identityRule("name", "full_name", DataTypeString),
		identityRule("score", "score", DataTypeNumber),
		{TargetField: "source", Transform: TransformConstant, Config: RuleConfig{Constant: "crm_a"}},
	}}
	record := map[string]any{"name": "Ada", "score": "41.5"}

	first, err := Transform(record, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Transform(record, mapping)
		if err != nil {
			t.Fatalf("Transform run %d: %v", i, err)
		}
		if len(again.Output) != len(first.Output) {
			t.Fatalf("run %d: output size changed", i)
		}
		for k, v := range first.Output {
			got := again.Output[k]
			if d, ok := v.(decimal.Decimal); ok {
				if !d.Equal(got.(decimal.Decimal)) {
					t.Fatalf("run %d: %s changed: %v vs %v", i, k, v, got)
				}
				continue
			}
			if got != v {
				t.Fatalf("run %d: %s changed: %v vs %v", i, k, v, got)
			}
		}
	}
}

func TestTransform_TypeCoercionFailureIsWarningNotFatal(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		identityRule("age", "age", DataTypeNumber),
		identityRule("name", "name", DataTypeString),
	}}
	record := map[string]any{"age": "not-a-number", "name": "Ada"}

	result, err := Transform(record, mapping)
	if err != nil {
		t.Fatalf("expected non-fatal coercion failure, got %v", err)
	}
	if _, ok := result.Output["age"]; ok {
		t.Fatal("expected age to be omitted")
	}
	if result.Output["name"] != "Ada" {
		t.Fatal("expected remaining fields to be written")
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Reason != ReasonTypeCoercionFailed {
		t.Fatalf("expected one TypeCoercionFailed warning, got %v", result.Warnings)
	}
}

func TestTransform_MissingRequiredFieldRejectsRecord(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		{SourceField: "email", TargetField: "email", Transform: TransformIdentity, DataType: DataTypeString, Required: true},
	}}

	_, err := Transform(map[string]any{"name": "Ada"}, mapping)
	rerr, ok := err.(*RecordError)
	if !ok {
		t.Fatalf("expected *RecordError, got %v", err)
	}
	if rerr.Reason != ReasonMissingRequired {
		t.Fatalf("expected MissingRequiredField, got %s", rerr.Reason)
	}
}

func TestRecordErrorMatchesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("rule eval: %w", &RecordError{Field: "email", Reason: ReasonMissingRequired})
	var rerr *RecordError
	if !errors.As(wrapped, &rerr) {
		t.Fatalf("wrapped record error not recognized: %v", wrapped)
	}
	if rerr.Field != "email" || rerr.Reason != ReasonMissingRequired {
		t.Fatalf("unexpected record error %+v", rerr)
	}
}

func TestTransform_MissingOptionalFieldIsOmitted(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		identityRule("email", "email", DataTypeString),
		identityRule("name", "name", DataTypeString),
	}}

	result, err := Transform(map[string]any{"name": "Ada"}, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if _, ok := result.Output["email"]; ok {
		t.Fatal("expected optional missing field to be omitted")
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", result.Warnings)
	}
}

func TestTransform_ReadsOriginalSourceUnlessDependsOnPrevious(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		{TargetField: "normalized", Transform: TransformConstant, Config: RuleConfig{Constant: "written-by-rule-1"}},
		// Reads the source record, not rule 1's output.
		identityRule("normalized", "from_source", DataTypeString),
		// Opts in to reading the output built so far.
		{SourceField: "normalized", TargetField: "from_output", Transform: TransformIdentity, DataType: DataTypeString, DependsOnPrevious: true},
	}}
	record := map[string]any{"normalized": "original"}

	result, err := Transform(record, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if result.Output["from_source"] != "original" {
		t.Fatalf("expected read against original source, got %v", result.Output["from_source"])
	}
	if result.Output["from_output"] != "written-by-rule-1" {
		t.Fatalf("expected depends_on_previous read against output, got %v", result.Output["from_output"])
	}
}

func TestTransform_ConditionalSelectsBranch(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		{
			TargetField: "tier",
			Transform:   TransformConditional,
			DataType:    DataTypeString,
			Config: RuleConfig{
				Condition: &Condition{Field: "plan", Op: OpEquals, Value: "enterprise"},
				Then:      &Rule{Transform: TransformConstant, Config: RuleConfig{Constant: "gold"}},
				Else:      &Rule{Transform: TransformConstant, Config: RuleConfig{Constant: "standard"}},
			},
		},
	}}

	result, err := Transform(map[string]any{"plan": "enterprise"}, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if result.Output["tier"] != "gold" {
		t.Fatalf("expected then-branch, got %v", result.Output["tier"])
	}

	result, err = Transform(map[string]any{"plan": "free"}, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if result.Output["tier"] != "standard" {
		t.Fatalf("expected else-branch, got %v", result.Output["tier"])
	}
}

func TestTransform_ConditionalExistsAndContains(t *testing.T) {
	existsRule := Rule{
		TargetField: "has_phone",
		Transform:   TransformConditional,
		DataType:    DataTypeBoolean,
		Config: RuleConfig{
			Condition: &Condition{Field: "phone", Op: OpExists},
			Then:      &Rule{Transform: TransformConstant, Config: RuleConfig{Constant: true}},
			Else:      &Rule{Transform: TransformConstant, Config: RuleConfig{Constant: false}},
		},
	}
	containsRule := Rule{
		TargetField: "is_test",
		Transform:   TransformConditional,
		DataType:    DataTypeBoolean,
		Config: RuleConfig{
			Condition: &Condition{Field: "email", Op: OpContains, Value: "+test"},
			Then:      &Rule{Transform: TransformConstant, Config: RuleConfig{Constant: true}},
			Else:      &Rule{Transform: TransformConstant, Config: RuleConfig{Constant: false}},
		},
	}
	mapping := &Mapping{Rules: []Rule{existsRule, containsRule}}

	result, err := Transform(map[string]any{"email": "a+test@b.com"}, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if result.Output["has_phone"] != false {
		t.Fatal("expected exists=false for absent phone")
	}
	if result.Output["is_test"] != true {
		t.Fatal("expected contains match")
	}
}

func TestTransform_FanOutFromOneSourceField(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		identityRule("email", "contact.email", DataTypeString),
		{SourceField: "email", TargetField: "contact.email_lower", Transform: TransformFunction, DataType: DataTypeString, Config: RuleConfig{Function: "lowercase"}},
	}}

	result, err := Transform(map[string]any{"email": "Ada@Example.COM"}, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	contact, ok := result.Output["contact"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested contact map, got %T", result.Output["contact"])
	}
	if contact["email"] != "Ada@Example.COM" || contact["email_lower"] != "ada@example.com" {
		t.Fatalf("unexpected fan-out output: %v", contact)
	}
}

func TestTransform_DateAndListCoercion(t *testing.T) {
	mapping := &Mapping{Rules: []Rule{
		identityRule("updated", "updated_at", DataTypeDate),
		identityRule("tags", "tags", DataTypeList),
	}}
	record := map[string]any{
		"updated": "2026-03-01T10:30:00Z",
		"tags":    []any{"a", "b"},
	}

	result, err := Transform(record, mapping)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if result.Output["updated_at"] != "2026-03-01T10:30:00Z" {
		t.Fatalf("unexpected date output %v", result.Output["updated_at"])
	}
	tags, ok := result.Output["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("unexpected list output %v", result.Output["tags"])
	}
}

func TestTransform_RoundTripInverseMappingPreservesRequiredFields(t *testing.T) {
	forward := &Mapping{Rules: []Rule{
		{SourceField: "properties.email", TargetField: "email", Transform: TransformIdentity, DataType: DataTypeString, Required: true},
		{SourceField: "properties.name", TargetField: "name", Transform: TransformIdentity, DataType: DataTypeString, Required: true},
	}}
	inverse := &Mapping{Rules: []Rule{
		{SourceField: "email", TargetField: "properties.email", Transform: TransformIdentity, DataType: DataTypeString, Required: true},
		{SourceField: "name", TargetField: "properties.name", Transform: TransformIdentity, DataType: DataTypeString, Required: true},
	}}
	original := map[string]any{
		"properties": map[string]any{"email": "a@b.com", "name": "Ada"},
	}

	there, err := Transform(original, forward)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	back, err := Transform(there.Output, inverse)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}

	props := back.Output["properties"].(map[string]any)
	if props["email"] != "a@b.com" || props["name"] != "Ada" {
		t.Fatalf("round trip lost required fields: %v", props)
	}
}

func TestTransform_TargetSchemaRequiredFieldEnforced(t *testing.T) {
	schema, err := CompileTargetSchema([]byte(`{
		"type": "object",
		"required": ["email"]
	}`))
	if err != nil {
		t.Fatalf("CompileTargetSchema: %v", err)
	}
	mapping := &Mapping{
		Rules: []Rule{
			identityRule("email", "email", DataTypeString),
		},
		TargetSchema: schema,
	}

	if _, err := Transform(map[string]any{"email": "a@b.com"}, mapping); err != nil {
		t.Fatalf("expected valid output, got %v", err)
	}

	_, err = Transform(map[string]any{"other": "x"}, mapping)
	rerr, ok := err.(*RecordError)
	if !ok || rerr.Reason != ReasonSchemaValidationFailed {
		t.Fatalf("expected SchemaValidationFailed, got %v", err)
	}
}
