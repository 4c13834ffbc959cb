package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// policySchema is the structural contract every stored policy document
// must satisfy. Semantic rules the schema cannot express (ladder
// ordering, CEL compilability) are checked in Go below.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "schema_version",
    "is_active",
    "confidence_threshold",
    "auto_escalate_threshold",
    "escalation_timeout_minutes"
  ],
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "is_active": {"type": "boolean"},
    "confidence_threshold": {"type": "number", "minimum": 0, "maximum": 1},
    "always_check_high_impact": {"type": "boolean"},
    "action_rules": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["checkpoint_type"],
        "properties": {
          "always_check": {"type": "boolean"},
          "checkpoint_type": {
            "enum": [
              "DECISION_REQUIRED", "CONFIRMATION_REQUIRED",
              "INFORMATION_REQUIRED", "VALIDATION_REQUIRED",
              "ESCALATION_REQUIRED", "AUDIT_REQUIRED"
            ]
          },
          "reason": {"type": "string"},
          "condition": {"type": "string"}
        }
      }
    },
    "auto_escalate_threshold": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "escalation_timeout_minutes": {"type": "integer", "minimum": 1},
    "notify_users": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "critical_escalation_path": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "maxItems": 4
    },
    "memory_retention": {
      "type": "object",
      "properties": {
        "short_term_days": {"type": "integer", "minimum": 0},
        "long_term_days": {"type": "integer", "minimum": 0},
        "critical_decisions_days": {"type": "integer", "minimum": 0},
        "audit_trail_days": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("policy.schema.json", policySchema)

// Validate checks a policy document structurally (JSON Schema), for
// schema-version compatibility (semver major must match), and
// semantically. conditions may be nil to skip CEL compilation checks.
func Validate(p *contracts.PolicyConfig, conditions *ConditionEvaluator) error {
	if p == nil {
		return fmt.Errorf("%w: policy document is nil", contracts.ErrValidation)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrValidation, err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrValidation, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrValidation, err)
	}

	ver, err := semver.NewVersion(p.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: schema_version %q is not semver: %v",
			contracts.ErrValidation, p.SchemaVersion, err)
	}
	supported := semver.MustParse(contracts.PolicySchemaVersion)
	if ver.Major() != supported.Major() {
		return fmt.Errorf("%w: schema_version %s is incompatible with %s",
			contracts.ErrValidation, p.SchemaVersion, contracts.PolicySchemaVersion)
	}

	if !p.AutoEscalateThreshold.Valid() {
		return fmt.Errorf("%w: unknown auto_escalate_threshold %q",
			contracts.ErrValidation, p.AutoEscalateThreshold)
	}
	for actionType, rule := range p.ActionRules {
		if !rule.CheckpointType.Valid() {
			return fmt.Errorf("%w: action rule %q has unknown checkpoint type %q",
				contracts.ErrValidation, actionType, rule.CheckpointType)
		}
		if rule.Condition != "" && conditions != nil {
			if err := conditions.Compile(rule.Condition); err != nil {
				return fmt.Errorf("%w: action rule %q: %v",
					contracts.ErrValidation, actionType, err)
			}
		}
	}
	return nil
}
