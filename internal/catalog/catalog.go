// Package catalog provides the declarative field-mapping catalog that drives
// the user-properties transformer.
//
// A catalog is two ordered lists of field mappings, "permanent" and
// "changeable". Each mapping translates one or more raw source keys into a
// single typed target field. The union of all source keys (plus the literal
// EHR_ID key) forms the known-keys set used to reject records carrying
// unrecognized properties.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// EHRIDKey is the raw property key holding the external health-record ID.
// It is always a member of the known-keys set even though no mapping
// references it: the transformer resolves it separately.
const EHRIDKey = "EHR_ID"

// DefaultPathEnvVar is the environment variable overriding the embedded
// catalog document with an external file.
const DefaultPathEnvVar = "CATALOG_PATH"

// TransformLowercase is the only supported string transform: the whole value
// is lowercased before value-map substitution.
const TransformLowercase = "lowercase_first"

// Sentinel errors for catalog loading and validation.
var (
	// ErrCatalogUnreadable is returned when the catalog document cannot be read.
	ErrCatalogUnreadable = errors.New("catalog document unreadable")

	// ErrCatalogInvalid is returned when the catalog document fails validation.
	ErrCatalogInvalid = errors.New("catalog document invalid")
)

// FieldType enumerates the target types a mapping may produce.
type FieldType string

// Supported field types.
const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
)

type (
	// FieldMapping is one declarative rule: try the source keys in order,
	// take the first non-null, non-"N/A" value, and coerce it to the target
	// type.
	FieldMapping struct {
		Target       string            `yaml:"target"`
		Sources      []string          `yaml:"sources"`
		Type         FieldType         `yaml:"type"`
		Transform    string            `yaml:"transform,omitempty"`
		ValueMap     map[string]string `yaml:"value_map,omitempty"`
		ExtractRegex string            `yaml:"extract_regex,omitempty"`
		TrueValues   []string          `yaml:"true_values,omitempty"`
		FalseValues  []string          `yaml:"false_values,omitempty"`
		NullValues   []string          `yaml:"null_values,omitempty"`

		pattern *regexp.Regexp
	}

	// Catalog holds the two mapping lists plus the precomputed known-keys set.
	Catalog struct {
		Permanent  []FieldMapping `yaml:"permanent"`
		Changeable []FieldMapping `yaml:"changeable"`

		knownKeys map[string]struct{}
	}
)

// Pattern returns the compiled extract_regex, or nil when the mapping has none.
func (m *FieldMapping) Pattern() *regexp.Regexp {
	return m.pattern
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogInvalid, err)
	}

	if err := cat.compile(); err != nil {
		return nil, err
	}

	return &cat, nil
}

// Load reads and parses a catalog document from a file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnreadable, err)
	}

	return Parse(data)
}

// LoadDefault returns the catalog from the path in CATALOG_PATH when set,
// falling back to the document embedded in the binary. The embedded document
// always validates; a broken override file is a startup failure.
func LoadDefault() (*Catalog, error) {
	if path := os.Getenv(DefaultPathEnvVar); path != "" {
		return Load(path)
	}

	return Parse(defaultMappings)
}

// KnownKeys returns the set of raw keys any mapping may consume, including
// EHR_ID. The returned map is shared; callers must not mutate it.
func (c *Catalog) KnownKeys() map[string]struct{} {
	return c.knownKeys
}

// IsKnown reports whether a raw nested-bag key is referenced by the catalog.
func (c *Catalog) IsKnown(key string) bool {
	_, ok := c.knownKeys[key]

	return ok
}

// compile validates every mapping, compiles extract regexes, and builds the
// known-keys set.
//
// Validation rules:
//   - at least one mapping overall
//   - every mapping names a target and at least one source
//   - type must be one of string/integer/boolean
//   - transform, value_map are string-only; extract_regex is integer-only
//   - boolean vocabularies must not overlap (a value in more than one of
//     true_values/false_values/null_values is ambiguous)
func (c *Catalog) compile() error {
	if len(c.Permanent) == 0 && len(c.Changeable) == 0 {
		return fmt.Errorf("%w: no mappings defined", ErrCatalogInvalid)
	}

	c.knownKeys = make(map[string]struct{})
	c.knownKeys[EHRIDKey] = struct{}{}

	for _, section := range []struct {
		name     string
		mappings []FieldMapping
	}{
		{"permanent", c.Permanent},
		{"changeable", c.Changeable},
	} {
		for i := range section.mappings {
			m := &section.mappings[i]
			if err := m.validate(); err != nil {
				return fmt.Errorf("%w: %s[%d] (%s): %w",
					ErrCatalogInvalid, section.name, i, m.Target, err)
			}

			for _, src := range m.Sources {
				c.knownKeys[src] = struct{}{}
			}
		}
	}

	return nil
}

func (m *FieldMapping) validate() error {
	if m.Target == "" {
		return errors.New("missing target")
	}

	if len(m.Sources) == 0 {
		return errors.New("empty sources")
	}

	switch m.Type {
	case TypeString, TypeInteger, TypeBoolean:
	default:
		return fmt.Errorf("unknown type %q", m.Type)
	}

	if m.Transform != "" {
		if m.Type != TypeString {
			return fmt.Errorf("transform only applies to string mappings, got type %q", m.Type)
		}

		if m.Transform != TransformLowercase {
			return fmt.Errorf("unknown transform %q", m.Transform)
		}
	}

	if len(m.ValueMap) > 0 && m.Type != TypeString {
		return fmt.Errorf("value_map only applies to string mappings, got type %q", m.Type)
	}

	if m.ExtractRegex != "" {
		if m.Type != TypeInteger {
			return fmt.Errorf("extract_regex only applies to integer mappings, got type %q", m.Type)
		}

		pattern, err := regexp.Compile(m.ExtractRegex)
		if err != nil {
			return fmt.Errorf("invalid extract_regex: %w", err)
		}

		m.pattern = pattern
	}

	if m.Type == TypeBoolean {
		if err := checkBooleanVocabulary(m); err != nil {
			return err
		}
	} else if len(m.TrueValues) > 0 || len(m.FalseValues) > 0 || len(m.NullValues) > 0 {
		return fmt.Errorf("boolean vocabularies only apply to boolean mappings, got type %q", m.Type)
	}

	return nil
}

// checkBooleanVocabulary rejects values appearing in more than one of the
// true/false/null lists.
func checkBooleanVocabulary(m *FieldMapping) error {
	seen := make(map[string]string)

	for _, list := range []struct {
		name   string
		values []string
	}{
		{"true_values", m.TrueValues},
		{"false_values", m.FalseValues},
		{"null_values", m.NullValues},
	} {
		for _, v := range list.values {
			if prev, ok := seen[v]; ok {
				return fmt.Errorf("ambiguous boolean value %q in both %s and %s", v, prev, list.name)
			}

			seen[v] = list.name
		}
	}

	return nil
}
