package transform

import (
	"strings"
	"testing"
)

func TestValidateMapping_DuplicateTargetRejected(t *testing.T) {
	rules := []Rule{
		{SourceField: "a", TargetField: "x", Transform: TransformIdentity},
		{SourceField: "b", TargetField: "x", Transform: TransformIdentity},
	}
	err := ValidateMapping(rules)
	if err == nil {
		t.Fatal("expected duplicate target_field to be rejected")
	}
	if !strings.Contains(err.Error(), "duplicate target_field") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateMapping_UnknownFunctionRejected(t *testing.T) {
	rules := []Rule{
		{SourceField: "a", TargetField: "x", Transform: TransformFunction, Config: RuleConfig{Function: "no_such_fn"}},
	}
	err := ValidateMapping(rules)
	if err == nil {
		t.Fatal("expected unknown function to be rejected at validation time")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Issues) != 1 {
		t.Fatalf("expected one issue, got %v", verr.Issues)
	}
}

func TestValidateMapping_UnknownTransformAndDataType(t *testing.T) {
	rules := []Rule{
		{SourceField: "a", TargetField: "x", Transform: "jsonata", DataType: "uuid"},
	}
	err := ValidateMapping(rules)
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Issues) != 2 {
		t.Fatalf("expected transform and data_type issues, got %v", verr.Issues)
	}
}

func TestValidateMapping_ConditionalBranchRules(t *testing.T) {
	rules := []Rule{
		{
			TargetField: "tier",
			Transform:   TransformConditional,
			Config: RuleConfig{
				Condition: &Condition{Field: "plan", Op: OpEquals, Value: "pro"},
				Then:      &Rule{TargetField: "oops", Transform: TransformConstant, Config: RuleConfig{Constant: "a"}},
			},
		},
	}
	err := ValidateMapping(rules)
	if err == nil || !strings.Contains(err.Error(), "inherit the parent target_field") {
		t.Fatalf("expected branch target_field rejection, got %v", err)
	}
}

func TestValidateMapping_ValidMappingAccepted(t *testing.T) {
	rules := []Rule{
		{SourceField: "properties.email", TargetField: "email", Transform: TransformFunction, DataType: DataTypeString, Required: true, Config: RuleConfig{Function: "normalize_email"}},
		{SourceField: "properties.name", TargetField: "name", Transform: TransformIdentity, DataType: DataTypeString},
		{TargetField: "origin", Transform: TransformConstant, Config: RuleConfig{Constant: "sync"}},
		{
			TargetField: "tier",
			Transform:   TransformConditional,
			DataType:    DataTypeString,
			Config: RuleConfig{
				Condition: &Condition{Field: "plan", Op: OpExists},
				Then:      &Rule{SourceField: "plan", Transform: TransformIdentity},
				Else:      &Rule{Transform: TransformConstant, Config: RuleConfig{Constant: "free"}},
			},
		},
	}
	if err := ValidateMapping(rules); err != nil {
		t.Fatalf("expected mapping to validate, got %v", err)
	}
}

func TestNormalizePhone_E164(t *testing.T) {
	out, err := normalizePhone("(415) 555-2671")
	if err != nil {
		t.Fatalf("normalizePhone: %v", err)
	}
	if out != "+14155552671" {
		t.Fatalf("expected +14155552671, got %v", out)
	}
}

func TestTitleCase(t *testing.T) {
	out, err := titleCase("ada LOVELACE")
	if err != nil {
		t.Fatalf("titleCase: %v", err)
	}
	if out != "Ada Lovelace" {
		t.Fatalf("expected Ada Lovelace, got %v", out)
	}
}
