package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults, not here. Validation
// accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Remote.Reconnect.Max < cfg.Remote.Reconnect.Min {
		return fmt.Errorf("remote.reconnect: max (%s) is below min (%s)",
			cfg.Remote.Reconnect.Max, cfg.Remote.Reconnect.Min)
	}

	if cfg.Ballpark.Server > cfg.Ballpark.Client {
		return fmt.Errorf("ballpark: server tolerance (%s) exceeds client tolerance (%s)",
			cfg.Ballpark.Server, cfg.Ballpark.Client)
	}

	if cfg.Metrics.Enabled {
		if err := validate.Var(cfg.Metrics.Address, "required,hostname_port"); err != nil {
			return fmt.Errorf("metrics.address: %q is not a host:port", cfg.Metrics.Address)
		}
	}

	// Per-backend options are only decoded when a realm store opens.
	if cfg.Store.Type == "badger" {
		badgerCfg, err := decodeBadger(cfg.Store)
		if err != nil {
			return err
		}
		if badgerCfg.InMemory && badgerCfg.Path != "" {
			return fmt.Errorf("store.badger: path and in_memory are mutually exclusive")
		}
	} else if _, err := decodeMemory(cfg.Store); err != nil {
		return err
	}

	return nil
}

// formatValidationError lists every failed field as "Namespace: tag (value)".
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		msgs = append(msgs, fmt.Sprintf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
