// Package prompts renders the conversation seed from templates, with override support.
package prompts

import "embed"

//go:embed issue/*.md
var embeddedFS embed.FS
