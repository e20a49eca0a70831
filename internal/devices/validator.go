package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/instrument-profile-v1.json
var instrumentProfileSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("instrument-profile-v1.json",
		strings.NewReader(instrumentProfileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("instrument-profile-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateProfile(data []byte) error {
	var profile interface{}
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(profile); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateInstrumentProfile checks the schema and the cross references the
// schema cannot express: every binding must name a declared device.
func (v *Validator) ValidateInstrumentProfile(profile *types.InstrumentProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := v.ValidateProfile(data); err != nil {
		return err
	}

	return checkReferences(profile)
}

func checkReferences(profile *types.InstrumentProfile) error {
	seen := make(map[string]bool, len(profile.Devices))
	for _, d := range profile.Devices {
		if seen[d.Name] {
			return fmt.Errorf("duplicate device %q", d.Name)
		}
		seen[d.Name] = true
	}

	check := func(owner, device string) error {
		if !seen[device] {
			return fmt.Errorf("%s references unknown device %q", owner, device)
		}
		return nil
	}

	for _, role := range types.AllRoles() {
		mp, ok := profile.Motors[role]
		if !ok {
			continue
		}
		if err := check("motor "+string(role), mp.Device); err != nil {
			return err
		}
	}
	if profile.Supervisor != nil {
		if err := check("supervisor", profile.Supervisor.Device); err != nil {
			return err
		}
	}
	if profile.StateChannel != nil {
		if err := check("state_channel", profile.StateChannel.Device); err != nil {
			return err
		}
	}
	if profile.BeamInfo != nil {
		if err := check("beam_info", profile.BeamInfo.Device); err != nil {
			return err
		}
	}
	return nil
}
