package transform

import (
	"fmt"
	"strings"
)

// ValidateMapping checks a rule list for configuration errors: duplicate
// target fields, unknown transforms or registry functions, malformed
// conditionals, bad data types. All of these are caught at write time so they
// can never surface mid-job.
func ValidateMapping(rules []Rule) error {
	var issues []string

	if len(rules) == 0 {
		issues = append(issues, "mapping has no rules")
	}

	seenTargets := map[string]bool{}
	for i, rule := range rules {
		prefix := fmt.Sprintf("rule %d", i)

		if strings.TrimSpace(rule.TargetField) == "" {
			issues = append(issues, prefix+": target_field is required")
		} else if seenTargets[rule.TargetField] {
			issues = append(issues, fmt.Sprintf("%s: duplicate target_field %q", prefix, rule.TargetField))
		}
		seenTargets[rule.TargetField] = true

		issues = append(issues, validateRuleBody(prefix, &rule, true)...)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validateRuleBody(prefix string, rule *Rule, topLevel bool) []string {
	var issues []string

	switch rule.Transform {
	case TransformIdentity:
		if strings.TrimSpace(rule.SourceField) == "" {
			issues = append(issues, prefix+": identity rule needs source_field")
		}

	case TransformFunction:
		if strings.TrimSpace(rule.SourceField) == "" {
			issues = append(issues, prefix+": function rule needs source_field")
		}
		if _, ok := LookupFunction(rule.Config.Function); !ok {
			issues = append(issues, fmt.Sprintf("%s: unknown function %q (registered: %s)",
				prefix, rule.Config.Function, strings.Join(RegisteredFunctions(), ", ")))
		}

	case TransformConstant:
		if rule.Config.Constant == nil {
			issues = append(issues, prefix+": constant rule needs config.constant")
		}

	case TransformConditional:
		if !topLevel {
			issues = append(issues, prefix+": conditionals cannot nest")
			break
		}
		cond := rule.Config.Condition
		if cond == nil {
			issues = append(issues, prefix+": conditional rule needs config.condition")
		} else {
			switch cond.Op {
			case OpEquals, OpContains, OpExists:
			default:
				issues = append(issues, fmt.Sprintf("%s: unknown condition op %q", prefix, cond.Op))
			}
			if strings.TrimSpace(cond.Field) == "" {
				issues = append(issues, prefix+": condition needs field")
			}
		}
		if rule.Config.Then == nil && rule.Config.Else == nil {
			issues = append(issues, prefix+": conditional rule needs at least one branch")
		}
		for _, branch := range []*Rule{rule.Config.Then, rule.Config.Else} {
			if branch == nil {
				continue
			}
			if strings.TrimSpace(branch.TargetField) != "" {
				issues = append(issues, prefix+": branch rules inherit the parent target_field and must not set their own")
			}
			issues = append(issues, validateRuleBody(prefix+" branch", branch, false)...)
		}

	default:
		issues = append(issues, fmt.Sprintf("%s: unknown transform %q", prefix, rule.Transform))
	}

	switch rule.DataType {
	case DataTypeString, DataTypeNumber, DataTypeBoolean, DataTypeDate, DataTypeList, "":
	default:
		issues = append(issues, fmt.Sprintf("%s: unknown data_type %q", prefix, rule.DataType))
	}

	return issues
}
