package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks static config constraints. Durations are parsed here so a
// hot reload with a bad duration string is rejected before it reaches any
// component.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Telegram.BotUsername) == "" {
		return errors.New("telegram.bot_username is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"linking.token_ttl", cfg.Linking.TokenTTL},
		{"linking.retention.keep", cfg.Linking.Retention.Keep},
	}
	if cfg.Notifier != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", cfg.Notifier.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Linking.Retention.Enabled {
		spec := strings.TrimSpace(cfg.Linking.Retention.Schedule)
		if spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("linking.retention.schedule: %w", err)
			}
		}
	}

	if cfg.Email != nil && cfg.Email.Enabled {
		if strings.TrimSpace(cfg.Email.Host) == "" {
			return errors.New("email.host is required when email is enabled")
		}
		if strings.TrimSpace(cfg.Email.From) == "" {
			return errors.New("email.from is required when email is enabled")
		}
	}

	return nil
}
