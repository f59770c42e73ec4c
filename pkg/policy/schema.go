package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ruleTreeSchema fixes the operator set a rule-tree may use at write time
// (§3: "rule-tree is validated at write time against a fixed operator
// set"). Arbitrarily nested, so the schema is permissive about shape and
// strict only about which operator keys are legal.
const ruleTreeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": ["object", "boolean", "number", "string", "null"],
  "additionalProperties": false,
  "properties": {
    "==": {}, "!=": {}, "<": {}, "<=": {}, ">": {}, ">=": {},
    "and": {}, "or": {}, "!": {}, "in": {}, "!in": {},
    "+": {}, "-": {}, "*": {}, "/": {}, "var": {}, "some": {}, "all": {}, "if": {}
  },
  "minProperties": 0,
  "maxProperties": 1
}`

// RuleSchemaValidator validates a candidate rule-tree against the fixed
// operator schema before a Policy is persisted.
type RuleSchemaValidator struct {
	schema *jsonschema.Schema
}

// NewRuleSchemaValidator compiles the fixed operator schema once.
func NewRuleSchemaValidator() (*RuleSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("ruletree.json", bytes.NewReader([]byte(ruleTreeSchema))); err != nil {
		return nil, fmt.Errorf("policy: add schema resource: %w", err)
	}
	sch, err := compiler.Compile("ruletree.json")
	if err != nil {
		return nil, fmt.Errorf("policy: compile schema: %w", err)
	}
	return &RuleSchemaValidator{schema: sch}, nil
}

// ValidateRuleTree reports whether tree only uses operators from the fixed
// set, one per node (top level; nested literal objects such as "var"
// targets are intentionally not recursed into — the schema governs
// operator shape, not arbitrary literal payloads).
func (v *RuleSchemaValidator) ValidateRuleTree(tree map[string]interface{}) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("policy: marshal rule tree: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("policy: decode rule tree: %w", err)
	}
	return v.schema.Validate(decoded)
}
