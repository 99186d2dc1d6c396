package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
)

const multilineSeparator = "|"

var (
	// ErrNotStructPtr indicates a type is not a pointer to a struct.
	ErrNotStructPtr = errors.New("must be a pointer to a struct")
	// ErrRequired indicates a required variable is not present.
	ErrRequired = errors.New("required variable is not present")
	// ErrNotInValueOptions indicates the value is not among the allowed options.
	ErrNotInValueOptions = errors.New("value is not in value options")
	// ErrInvalidValue indicates the value cannot be converted to the field's type.
	ErrInvalidValue = errors.New("invalid value")
)

// EnvGetter looks up a single environment variable.
type EnvGetter interface {
	Get(key string) string
}

// Parser fills a struct from environment variables described by `env` tags.
type Parser interface {
	Parse(input interface{}) error
}

type defaultParser struct {
	envGetter EnvGetter
}

// NewParser ...
func NewParser(envGetter EnvGetter) Parser {
	return defaultParser{
		envGetter: envGetter,
	}
}

// Parse ...
func (p defaultParser) Parse(input interface{}) error {
	if err := parse(input, p.envGetter); err != nil {
		return err
	}
	return nil
}

// Parse populates a struct with the retrieved values from the process environment.
func Parse(input interface{}) error {
	return parse(input, env.NewRepository())
}

// Tag format: `env:"NAME[,constraint]"` where constraint is one of
// required, file, dir or opt[a,b,'c,d'].
func parse(input interface{}, getter EnvGetter) error {
	if input == nil {
		return ErrNotStructPtr
	}

	v := reflect.ValueOf(input)
	if v.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}

	var errs []string
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := getter.Get(key)

		if err := setField(v.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", t.Field(i).Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func parseTag(tag string) (string, string) {
	if !strings.Contains(tag, ",") {
		return tag, ""
	}
	s := strings.SplitN(tag, ",", 2)
	return s[0], s[1]
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}

	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		field.Set(ptr)
		field = ptr.Elem()
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("%w: can't convert %q to bool", ErrInvalidValue, value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: can't convert %q to int", ErrInvalidValue, value)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: can't convert %q to uint", ErrInvalidValue, value)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: can't convert %q to float", ErrInvalidValue, value)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%w: unsupported slice element %s", ErrInvalidValue, field.Type().Elem())
		}
		var items []string
		for _, item := range strings.Split(value, multilineSeparator) {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items).Convert(field.Type()))
	default:
		return fmt.Errorf("%w: type %s is not supported", ErrInvalidValue, field.Kind())
	}

	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validateConstraint(value, constraint string) error {
	switch constraint {
	case "":
		break
	case "required":
		if value == "" {
			return ErrRequired
		}
	case "file", "dir":
		if value == "" {
			break
		}
		info, err := os.Stat(value)
		if err != nil {
			return fmt.Errorf("check path %s: %w", value, err)
		}
		if (constraint == "dir") != info.IsDir() {
			return fmt.Errorf("%s is not a %s", value, constraint)
		}
	default:
		opts, ok := valueOptions(constraint)
		if !ok {
			return fmt.Errorf("invalid constraint (%s)", constraint)
		}
		if value == "" {
			return ErrNotInValueOptions
		}
		for _, opt := range opts {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("%w: %q not in %v", ErrNotInValueOptions, value, opts)
	}
	return nil
}

// valueOptions splits opt[a,b,'c,d'] into its options, single quotes group a comma.
func valueOptions(constraint string) ([]string, bool) {
	if !strings.HasPrefix(constraint, "opt[") || !strings.HasSuffix(constraint, "]") {
		return nil, false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]")

	var (
		opts    []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range inner {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			opts = append(opts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	opts = append(opts, current.String())
	return opts, true
}
