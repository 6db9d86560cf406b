// Package defaults embeds the starter files written by the init
// subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration. Every value matches
// config.Default.
//
//go:embed config.example.yaml
var ConfigYAML []byte
