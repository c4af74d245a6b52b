package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/policy"
)

var durationType = reflect.TypeOf(time.Duration(0))

// applyDefaults fills zero fields from their `default` tag.
func applyDefaults(v any) {
	rv := reflect.ValueOf(v).Elem()
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fv := rv.Field(i)
		if !fv.CanSet() {
			continue
		}
		tag := field.Tag.Get("default")
		if tag == "" || !fv.IsZero() {
			continue
		}
		// Tags are compile-time constants; a bad one is caught by tests.
		_ = setFieldFromString(fv, tag)
	}
}

// applyEnv overrides fields carrying an `env` tag.
func applyEnv(v any, lookup func(string) (string, bool)) error {
	rv := reflect.ValueOf(v).Elem()
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fv := rv.Field(i)
		envKey := field.Tag.Get("env")
		if envKey == "" || !fv.CanSet() {
			continue
		}
		envVal, ok := lookup(envKey)
		if !ok {
			continue
		}
		if err := setFieldFromString(fv, strings.TrimSpace(envVal)); err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
	}
	return nil
}

func applyPolicyEnv(p *policy.Policy, lookup func(string) (string, bool)) error {
	if raw, ok := lookup(EnvPrefix + "MAX_CONCURRENT_SESSIONS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%sMAX_CONCURRENT_SESSIONS: %w", EnvPrefix, err)
		}
		p.MaxConcurrentSessions = n
	}
	if raw, ok := lookup(EnvPrefix + "AUTONOMY_ENABLED"); ok {
		b, err := parseBool(raw)
		if err != nil {
			return fmt.Errorf("%sAUTONOMY_ENABLED: %w", EnvPrefix, err)
		}
		p.AutonomyEnabled = b
	}
	if raw, ok := lookup(EnvPrefix + "ALLOWED_ROOTS"); ok {
		p.AllowedRoots = splitList(raw)
	}
	return nil
}

func setFieldFromString(fv reflect.Value, val string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(val)
	case reflect.Int:
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		fv.SetInt(int64(n))
	case reflect.Bool:
		b, err := parseBool(val)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int64:
		if fv.Type() == durationType {
			d, err := time.ParseDuration(val)
			if err != nil {
				return err
			}
			fv.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", val)
}

// splitList accepts an os.PathListSeparator or comma separated list.
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == filepath.ListSeparator || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
