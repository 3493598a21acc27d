// Package configs embeds the annexwatch configuration template.
//
// The template is written by 'annexwatch config init'. Keep it in step with
// the defaults in internal/config NewConfig.
package configs

import _ "embed"

// ConfigTemplate is the commented user configuration file.
//
//go:embed config.example.yaml
var ConfigTemplate string
