package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration using struct tags plus custom rules
// that cannot be expressed declaratively.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	// A reject policy with an unlimited pool can never trigger; catch the
	// contradiction at startup instead of silently ignoring the policy.
	if cfg.Server.OverflowPolicy == "reject" && cfg.Server.MaxConnections == 0 {
		return fmt.Errorf("server: overflow_policy \"reject\" requires max_connections > 0")
	}

	if cfg.Server.RateLimit.RequestsPerSecond > 0 &&
		cfg.Server.RateLimit.Burst < cfg.Server.RateLimit.RequestsPerSecond {
		return fmt.Errorf("server: rate_limit.burst must be >= requests_per_second")
	}

	return nil
}

// formatValidationError rewrites validator's field errors into config-key
// style messages.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
		msgs = append(msgs, fmt.Sprintf("%s: failed %q validation (value %v)", key, fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
