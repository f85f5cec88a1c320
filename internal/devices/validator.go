package devices

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/rig-config-v1.json
var rigSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("rig-config-v1.json",
		strings.NewReader(rigSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("rig-config-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateDocument checks raw JSON against the rig schema.
func (v *Validator) ValidateDocument(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateRigDocument runs the schema and the slot range checks the schema
// cannot express.
func (v *Validator) ValidateRigDocument(doc *types.RigDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal rig document: %w", err)
	}

	if err := v.ValidateDocument(data); err != nil {
		return err
	}

	return CheckSlots(doc)
}

// CheckSlots verifies every configured slot lies within [0, slots].
func CheckSlots(doc *types.RigDocument) error {
	keys := make([]string, 0, len(doc.Wheels))
	for k := range doc.Wheels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec := doc.Wheels[key].WithDefaults()
		for slot := range spec.Filters {
			if slot < 0 || slot > spec.Slots {
				return fmt.Errorf("wheel %s: slot %d out of range 0-%d: %w",
					key, slot, spec.Slots, ErrInvalidArgument)
			}
		}
	}

	return nil
}
