package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Paths use the JSON field names joined by dots, e.g. "backend.chatUrl".
// Every section of Config is a struct, so a path always ends at a scalar.

// leaves maps every scalar path of cfg to its settable field, including
// fields left out of the file by omitempty.
func leaves(cfg *Config) map[string]reflect.Value {
	out := make(map[string]reflect.Value)
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
			if name == "" || name == "-" {
				continue
			}
			f := v.Field(i)
			if f.Kind() == reflect.Struct {
				walk(prefix+name+".", f)
				continue
			}
			out[prefix+name] = f
		}
	}
	walk("", reflect.ValueOf(cfg).Elem())
	return out
}

func field(cfg *Config, path string) (reflect.Value, error) {
	if path == "" {
		return reflect.Value{}, fmt.Errorf("empty path")
	}
	f, ok := leaves(cfg)[path]
	if !ok {
		return reflect.Value{}, fmt.Errorf("key not found: %s", path)
	}
	return f, nil
}

// GetByPath returns the value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	f, err := field(cfg, path)
	if err != nil {
		return nil, err
	}
	return f.Interface(), nil
}

// SetByPath parses raw as the type of the field at path and stores it.
func SetByPath(cfg *Config, path, raw string) error {
	f, err := field(cfg, path)
	if err != nil {
		return err
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: expected true or false, got %q", path, raw)
		}
		f.SetBool(v)
	case reflect.Int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: expected an integer, got %q", path, raw)
		}
		f.SetInt(int64(v))
	case reflect.Float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s: expected a number, got %q", path, raw)
		}
		f.SetFloat(v)
	default:
		return fmt.Errorf("%s: unsupported type %s", path, f.Type())
	}
	return nil
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	for _, secret := range []*string{
		&out.Transport.WhatsApp.Token,
		&out.Transport.Telegram.Token,
		&out.Transport.Mattermost.Token,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	return &out
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	for path, f := range leaves(cfg) {
		out[path] = f.Interface()
	}
	return out
}
