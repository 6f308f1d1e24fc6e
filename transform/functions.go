package transform

import (
	"fmt"
	"os"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// TransformFunc is a pure, named transformation applied to one field value.
type TransformFunc func(value any) (any, error)

var functionRegistry = map[string]TransformFunc{
	"normalize_email": normalizeEmail,
	"normalize_phone": normalizePhone,
	"trim":            trimString,
	"lowercase":       lowercaseString,
	"uppercase":       uppercaseString,
	"title_case":      titleCase,
	"to_string":       toString,
}

// LookupFunction resolves a registry function by name. Unknown names are a
// mapping configuration error caught at validation time, not at run time.
func LookupFunction(name string) (TransformFunc, bool) {
	fn, ok := functionRegistry[name]
	return fn, ok
}

// RegisteredFunctions lists the registry names, for validation error messages.
func RegisteredFunctions() []string {
	names := make([]string, 0, len(functionRegistry))
	for name := range functionRegistry {
		names = append(names, name)
	}
	return names
}

func asString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func normalizeEmail(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(strings.TrimSpace(s)), nil
}

func normalizePhone(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	region := strings.TrimSpace(os.Getenv("DEFAULT_PHONE_REGION"))
	if region == "" {
		region = "US"
	}
	num, err := libphonenumber.Parse(strings.TrimSpace(s), region)
	if err != nil {
		return nil, fmt.Errorf("invalid phone number: %v", err)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}

func trimString(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func lowercaseString(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func uppercaseString(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func titleCase(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " "), nil
}

func toString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
