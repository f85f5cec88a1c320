package config

import (
	"fmt"
	"os"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"gopkg.in/yaml.v3"
)

// LoadRig reads and validates a rig document (filter_wheels and filters)
// from a YAML file.
func LoadRig(path string) (*types.RigDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rig document: %w", err)
	}
	return ParseRig(data)
}

func ParseRig(data []byte) (*types.RigDocument, error) {
	var doc types.RigDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rig document: %w", err)
	}

	validator, err := devices.NewValidator()
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateRigDocument(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

// MarshalRig renders doc as YAML.
func MarshalRig(doc *types.RigDocument) ([]byte, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rig document: %w", err)
	}
	return data, nil
}
