//go:build debughooks

package server

import (
	"net/http"
	"sync"
)

var failedOnce sync.Map

// debugFailOnce short-circuits the suspend handler with a 503 exactly
// once per job when the X-Debug-Fail-Once header is present. Development
// builds only; clients use it to exercise their retry paths.
func debugFailOnce(r *http.Request, jobID string) bool {
	if r.Header.Get("X-Debug-Fail-Once") == "" {
		return false
	}
	_, loaded := failedOnce.LoadOrStore(jobID, struct{}{})
	return !loaded
}
