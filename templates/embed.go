// Package templates embeds the built-in process templates.
package templates

import "embed"

// FS holds every built-in template file.
//
//go:embed *.yaml
var FS embed.FS

// DefaultVersion is the version of the built-in template used for new cases.
const DefaultVersion = "purchase-v1"
