package web

import "embed"

// FS contains the embedded dashboard client (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
