// Package migrations holds the numbered schema files applied by
// "docquery-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
