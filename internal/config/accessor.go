package config

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// GetByPath returns the value at a dotted key path such as
// "stream.backoff_cap" or "agents.0.tools". Keys are the json names.
// Durations and other text-encoded fields come back as their string form.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookup(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	if m, ok := v.Interface().(encoding.TextMarshaler); ok {
		text, err := m.MarshalText()
		if err != nil {
			return nil, err
		}
		return string(text), nil
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the field at path, using the field's own type.
// Unknown keys are an error. The caller validates the result.
func SetByPath(cfg *Config, path, raw string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	return setField(reflect.ValueOf(cfg).Elem(), strings.Split(path, "."), raw, path)
}

func lookup(v reflect.Value, path string) (reflect.Value, error) {
	for _, key := range strings.Split(path, ".") {
		switch v.Kind() {
		case reflect.Struct:
			f, ok := fieldByKey(v, key)
			if !ok {
				return reflect.Value{}, fmt.Errorf("unknown config key: %s", path)
			}
			v = f
		case reflect.Map:
			e := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
			if !e.IsValid() {
				return reflect.Value{}, fmt.Errorf("unknown config key: %s", path)
			}
			v = e
		case reflect.Slice:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= v.Len() {
				return reflect.Value{}, fmt.Errorf("invalid index %q in %s", key, path)
			}
			v = v.Index(idx)
		default:
			return reflect.Value{}, fmt.Errorf("%s: %s is not a section", path, key)
		}
	}
	return v, nil
}

func setField(v reflect.Value, parts []string, raw, path string) error {
	if len(parts) == 0 {
		return assign(v, raw, path)
	}
	key := parts[0]
	switch v.Kind() {
	case reflect.Struct:
		f, ok := fieldByKey(v, key)
		if !ok {
			return fmt.Errorf("unknown config key: %s", path)
		}
		return setField(f, parts[1:], raw, path)
	case reflect.Map:
		// Map values are not addressable: update a copy and store it back.
		k := reflect.ValueOf(key).Convert(v.Type().Key())
		elem := reflect.New(v.Type().Elem()).Elem()
		if cur := v.MapIndex(k); cur.IsValid() {
			elem.Set(cur)
		}
		if err := setField(elem, parts[1:], raw, path); err != nil {
			return err
		}
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		v.SetMapIndex(k, elem)
		return nil
	case reflect.Slice:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= v.Len() {
			return fmt.Errorf("invalid index %q in %s", key, path)
		}
		return setField(v.Index(idx), parts[1:], raw, path)
	default:
		return fmt.Errorf("%s: %s is not a section", path, key)
	}
}

func assign(v reflect.Value, raw, path string) error {
	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: want true or false, got %q", path, raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: want an integer, got %q", path, raw)
		}
		v.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: want a number, got %q", path, raw)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.String && !strings.HasPrefix(strings.TrimSpace(raw), "[") {
			var items []string
			for _, item := range strings.Split(raw, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			v.Set(reflect.ValueOf(items).Convert(v.Type()))
			return nil
		}
		fallthrough
	default:
		fresh := reflect.New(v.Type())
		if err := json.Unmarshal([]byte(raw), fresh.Interface()); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		v.Set(fresh.Elem())
	}
	return nil
}

// fieldByKey finds the struct field whose json name is key.
func fieldByKey(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		if name == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for name, prov := range copy.Providers {
		if prov.APIKey != "" {
			prov.APIKey = maskString(prov.APIKey)
		}
		copy.Providers[name] = prov
	}
	if copy.DingTalk.ClientSecret != "" {
		copy.DingTalk.ClientSecret = maskString(copy.DingTalk.ClientSecret)
	}
	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
