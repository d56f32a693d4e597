// Package scripts embeds the Risor detector scripts shipped with cskg.
package scripts

import "embed"

// FS holds detect/*.risor.
//
//go:embed detect/*.risor
var FS embed.FS
