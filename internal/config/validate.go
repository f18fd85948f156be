package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their config file names.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks field constraints and duration syntax. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var problems []string

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	durations := []struct {
		path string
		raw  string
		min  time.Duration
	}{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout, 0},
		{"provider.timeout", cfg.Provider.Timeout, 0},
		{"orders.poll_interval", cfg.Orders.PollInterval, time.Second},
		{"orders.max_age", cfg.Orders.MaxAge, 0},
		{"orders.code_ttl", cfg.Orders.CodeTTL, 0},
		{"announce.refresh_interval", cfg.Announce.RefreshInterval, time.Second},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout, 0},
	}
	for _, d := range durations {
		v, err := ParseDurationField(d.path, d.raw)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if v > 0 && v < d.min {
			problems = append(problems, fmt.Sprintf("%s: must be at least %s", d.path, d.min))
		}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver != "" && driver != "none" && strings.TrimSpace(cfg.Storage.Path) == "" {
		problems = append(problems, "storage.path: required for driver "+driver)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.telegram.token"; drop the root type name.
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "required":
		return path + ": required"
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", path, fe.Param())
	case "url", "hostname_port":
		return fmt.Sprintf("%s: %q is not a valid %s", path, fe.Value(), fe.Tag())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s: failed %s=%s", path, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s: failed %s", path, fe.Tag())
	}
}
