package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels lists the accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate returns every invalid setting in c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Server.Addr == "" {
		add("server.addr", c.Server.Addr, "must not be empty")
	}
	if c.Server.RateLimit <= 0 {
		add("server.rate_limit", c.Server.RateLimit, "must be positive")
	}
	if c.Storage.Path == "" {
		add("storage.path", c.Storage.Path, "must not be empty")
	}

	if c.Stake.Amount <= 0 {
		add("stake.amount", c.Stake.Amount, "must be positive")
	}
	if c.Stake.InitialGrant < 0 {
		add("stake.initial_grant", c.Stake.InitialGrant, "must not be negative")
	}

	if c.Slots.ExpireAfter <= 0 {
		add("slots.expire_after", c.Slots.ExpireAfter, "must be positive")
	}
	if c.Slots.SweepInterval <= 0 {
		add("slots.sweep_interval", c.Slots.SweepInterval, "must be positive")
	}

	if c.Outbox.PollInterval <= 0 {
		add("outbox.poll_interval", c.Outbox.PollInterval, "must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		add("outbox.max_attempts", c.Outbox.MaxAttempts, "must be positive")
	}
	if c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		add("outbox.max_backoff", c.Outbox.MaxBackoff, "must not be less than outbox.base_backoff")
	}
	for field, raw := range map[string]string{
		"outbox.reward_url": c.Outbox.RewardURL,
		"outbox.commit_url": c.Outbox.CommitURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add(field, raw, "must be an http or https URL")
		}
	}

	if strings.TrimSpace(c.Pipeline.DefaultProtocol) == "" {
		add("pipeline.default_protocol", c.Pipeline.DefaultProtocol, "must not be empty")
	}

	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		add("logging.level", c.Logging.Level, fmt.Sprintf("must be one of %v", ValidLogLevels()))
	}
	return errs
}
