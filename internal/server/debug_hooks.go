//go:build !debughooks

package server

import "net/http"

// debugFailOnce is compiled out of production builds; the fail-once
// header only exists under the debughooks build tag.
func debugFailOnce(*http.Request, string) bool { return false }
