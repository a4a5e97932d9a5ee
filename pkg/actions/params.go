// Package actions holds helpers shared by the built-in actions.
package actions

import (
	"bytes"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opsautomator/opsautomator/pkg/engine"
)

var validate = validator.New()

// DecodeParameters decodes task parameters into out, a pointer to a struct
// with yaml and validate tags. Fields of out keep their values when the
// parameter is absent, so defaults are set before the call. Unknown
// parameters are rejected.
func DecodeParameters(action string, params map[string]interface{}, out interface{}) error {
	data, err := yaml.Marshal(params)
	if err != nil {
		return invalid(action, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && len(params) > 0 {
		return invalid(action, err)
	}

	if err := validate.Struct(out); err != nil {
		return invalid(action, err)
	}
	return nil
}

// EncodeParameters returns the parameter map of a decoded struct.
func EncodeParameters(in interface{}) (map[string]interface{}, error) {
	data, err := yaml.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func invalid(action string, err error) error {
	return engine.NewConfigurationError(fmt.Sprintf("invalid parameters for action %s", action), err).
		WithCode(engine.ErrCodeValidation)
}
