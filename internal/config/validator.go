package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if !filepath.IsAbs(c.Projects.DataDir) {
		return fmt.Errorf("projects.data_dir must be an absolute path, got %q", c.Projects.DataDir)
	}

	// The child port range must not collide with the public port.
	lo, hi := c.Instances.BasePort, c.Instances.BasePort+c.Instances.MaxInstances
	if c.Server.Port >= lo && c.Server.Port < hi {
		return fmt.Errorf("server.port %d falls inside the instance port range [%d,%d)", c.Server.Port, lo, hi)
	}
	if hi > 65536 {
		return errors.New("instances.base_port + instances.max_instances exceeds the port space")
	}

	if c.Auth.APIKey == "" != (c.Auth.APISecret == "") {
		return errors.New("auth: FLY_API_KEY and FLY_API_SECRET must be set together (or both empty for dev mode)")
	}

	return nil
}

// formatValidationErrors converts validator errors into actionable messages.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q validation (value %v)",
			strings.ToLower(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
