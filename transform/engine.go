package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/optimly/integrations_backend/utils"
	"github.com/shopspring/decimal"
)

// Transform deterministically maps a source record to a target record using
// the mapping's ordered rules. Field-level coercion problems become warnings;
// a missing required field or target-schema violation rejects the whole record
// with a *RecordError.
func Transform(record map[string]any, mapping *Mapping) (*Result, error) {
	output := map[string]any{}
	var warnings []Warning

	for _, rule := range mapping.Rules {
		// Reads resolve against the original source unless the rule opts in
		// to seeing fields written by earlier rules.
		source := record
		if rule.DependsOnPrevious {
			source = output
		}

		value, present, err := evalRule(&rule, source)
		if err != nil {
			var rerr *RecordError
			if errors.As(err, &rerr) {
				return nil, rerr
			}
			reason := ReasonTypeCoercionFailed
			if rule.Transform == TransformFunction {
				reason = ReasonFunctionFailed
			}
			warnings = append(warnings, Warning{Field: rule.TargetField, Reason: reason})
			continue
		}
		if !present {
			continue
		}

		coerced, err := coerceValue(value, rule.DataType)
		if err != nil {
			warnings = append(warnings, Warning{Field: rule.TargetField, Reason: ReasonTypeCoercionFailed})
			continue
		}
		setPath(output, rule.TargetField, coerced)
	}

	if mapping.TargetSchema != nil {
		if err := ValidateOutput(mapping.TargetSchema, output); err != nil {
			return nil, &RecordError{Reason: ReasonSchemaValidationFailed}
		}
	}

	return &Result{Output: output, Warnings: warnings}, nil
}

// evalRule produces the raw value for a rule. present=false means the target
// field is omitted without a warning (optional source missing, or a
// conditional whose chosen branch is nil).
func evalRule(rule *Rule, source map[string]any) (any, bool, error) {
	switch rule.Transform {
	case TransformConstant:
		return rule.Config.Constant, true, nil

	case TransformIdentity:
		value, ok := GetPath(source, rule.SourceField)
		if !ok {
			if rule.Required {
				return nil, false, &RecordError{Field: rule.SourceField, Reason: ReasonMissingRequired}
			}
			return nil, false, nil
		}
		return value, true, nil

	case TransformFunction:
		value, ok := GetPath(source, rule.SourceField)
		if !ok {
			if rule.Required {
				return nil, false, &RecordError{Field: rule.SourceField, Reason: ReasonMissingRequired}
			}
			return nil, false, nil
		}
		fn, ok := LookupFunction(rule.Config.Function)
		if !ok {
			// Unreachable for validated mappings.
			return nil, false, fmt.Errorf("unknown function %q", rule.Config.Function)
		}
		out, err := fn(value)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil

	case TransformConditional:
		branch := rule.Config.Else
		if evalCondition(rule.Config.Condition, source) {
			branch = rule.Config.Then
		}
		if branch == nil {
			if rule.Required {
				return nil, false, &RecordError{Field: rule.TargetField, Reason: ReasonMissingRequired}
			}
			return nil, false, nil
		}
		// Sub-rules inherit the parent's target; only value production differs.
		return evalRule(branch, source)

	default:
		return nil, false, fmt.Errorf("unknown transform %q", rule.Transform)
	}
}

func evalCondition(cond *Condition, source map[string]any) bool {
	if cond == nil {
		return false
	}
	value, ok := GetPath(source, cond.Field)
	switch cond.Op {
	case OpExists:
		return ok
	case OpEquals:
		if !ok {
			return false
		}
		return stringify(value) == cond.Value
	case OpContains:
		if !ok {
			return false
		}
		return strings.Contains(stringify(value), cond.Value)
	default:
		return false
	}
}

func coerceValue(value any, dataType string) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch dataType {
	case DataTypeString, "":
		return stringify(value), nil

	case DataTypeNumber:
		switch v := value.(type) {
		case decimal.Decimal:
			return v, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to number", value)
		}

	case DataTypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
			return b, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to boolean", value)
		}

	case DataTypeDate:
		switch v := value.(type) {
		case string:
			t, ok := utils.ParseTimeLenient(v)
			if !ok {
				return nil, fmt.Errorf("cannot parse %q as date", v)
			}
			return t.UTC().Format("2006-01-02T15:04:05Z07:00"), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to date", value)
		}

	case DataTypeList:
		switch v := value.(type) {
		case []any:
			return v, nil
		case []string:
			out := make([]any, len(v))
			for i, s := range v {
				out[i] = s
			}
			return out, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to list", value)
		}

	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case decimal.Decimal:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetPath resolves a dotted path expression against nested maps.
func GetPath(record map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = record
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(record map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := record
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
