package catalog

import _ "embed"

// defaultMappings is the catalog document shipped with the binary. It covers
// every property the product-analytics provider currently emits for user
// events; unknown keys in incoming records are rejected by the transformer.
//
//go:embed field_mappings.yaml
var defaultMappings []byte
