package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Settings are addressed by dotted paths of JSON field names, for example
// "channels.reconnect.maxAttempts", "generation.providers.openai.apiKey" or
// "scheduler.tasks.0.cron". Names match case-insensitively.

var ErrUnknownSetting = errors.New("unknown setting")

// GetByPath returns the value at path. Sections come back as structs or maps.
func GetByPath(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	for _, part := range splitPath(path) {
		next, err := child(v, part)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		v = next
	}
	return v.Interface(), nil
}

// SetByPath parses raw according to the type of the setting at path and
// stores it. Lists take comma-separated values. Unknown paths are an error;
// nothing is created implicitly except map entries such as a new provider.
func SetByPath(cfg *Config, path, raw string) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty path")
	}
	if err := setIn(reflect.ValueOf(cfg).Elem(), parts, raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ListPaths flattens cfg to path -> value for every leaf setting, including
// empty ones.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	flatten("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

// Sanitize returns a deep copy of cfg with every field tagged secret masked:
// "partial" keeps the first and last four characters, "full" hides all.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	cp := new(Config)
	if err := json.Unmarshal(data, cp); err != nil {
		return cfg
	}
	maskSecrets(reflect.ValueOf(cp).Elem())
	return cp
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimSpace(path), ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func field(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || jsonName(f) == "-" {
			continue
		}
		if strings.EqualFold(jsonName(f), name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// child steps one path element into v for reading.
func child(v reflect.Value, part string) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Struct:
		if f, ok := field(v, part); ok {
			return f, nil
		}
	case reflect.Map:
		if e := v.MapIndex(reflect.ValueOf(part).Convert(v.Type().Key())); e.IsValid() {
			return e, nil
		}
	case reflect.Slice:
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 || i >= v.Len() {
			return reflect.Value{}, fmt.Errorf("no list item %q", part)
		}
		return v.Index(i), nil
	}
	return reflect.Value{}, fmt.Errorf("%w %q", ErrUnknownSetting, part)
}

func setIn(v reflect.Value, parts []string, raw string) error {
	if len(parts) == 0 {
		return assign(v, raw)
	}
	switch v.Kind() {
	case reflect.Struct:
		f, ok := field(v, parts[0])
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownSetting, parts[0])
		}
		return setIn(f, parts[1:], raw)
	case reflect.Map:
		// Map values are not addressable: edit a copy and store it back.
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		key := reflect.ValueOf(parts[0]).Convert(v.Type().Key())
		elem := reflect.New(v.Type().Elem()).Elem()
		if cur := v.MapIndex(key); cur.IsValid() {
			elem.Set(cur)
		}
		if err := setIn(elem, parts[1:], raw); err != nil {
			return err
		}
		v.SetMapIndex(key, elem)
		return nil
	case reflect.Slice:
		if len(parts) == 1 && v.Type().Elem().Kind() == reflect.String {
			break
		}
		i, err := strconv.Atoi(parts[0])
		if err != nil || i < 0 || i >= v.Len() {
			return fmt.Errorf("no list item %q", parts[0])
		}
		return setIn(v.Index(i), parts[1:], raw)
	}
	return fmt.Errorf("%w %q", ErrUnknownSetting, parts[0])
}

func assign(v reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("want true or false, got %q", raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("want an integer, got %q", raw)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("want a non-negative integer, got %q", raw)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("want a number, got %q", raw)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("list of %s cannot be set from text", v.Type().Elem())
		}
		list := reflect.MakeSlice(v.Type(), 0, 4)
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = reflect.Append(list, reflect.ValueOf(item).Convert(v.Type().Elem()))
			}
		}
		v.Set(list)
	default:
		return fmt.Errorf("is a section; set one of its fields")
	}
	return nil
}

func flatten(prefix string, v reflect.Value, out map[string]any) {
	join := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if f := t.Field(i); f.IsExported() && jsonName(f) != "-" {
				flatten(join(jsonName(f)), v.Field(i), out)
			}
		}
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			flatten(join(k.String()), v.MapIndex(k), out)
		}
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				flatten(join(strconv.Itoa(i)), v.Index(i), out)
			}
			return
		}
		out[prefix] = v.Interface()
	default:
		out[prefix] = v.Interface()
	}
}

func maskSecrets(v reflect.Value) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if mode := f.Tag.Get("secret"); mode != "" && f.Type.Kind() == reflect.String {
				if s := v.Field(i).String(); s != "" {
					v.Field(i).SetString(mask(s, mode))
				}
				continue
			}
			maskSecrets(v.Field(i))
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			elem := reflect.New(v.Type().Elem()).Elem()
			elem.Set(v.MapIndex(k))
			maskSecrets(elem)
			v.SetMapIndex(k, elem)
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			maskSecrets(v.Index(i))
		}
	}
}

func mask(s, mode string) string {
	if mode == "full" || len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
