// Package web contains the embedded debug UI.
package web

import (
	_ "embed"
)

//go:embed index.html
var indexPage []byte

// IndexPage returns the debug chat page served at the gateway root.
func IndexPage() []byte {
	return indexPage
}
