package server

import (
	"net/http"
	"testing"
)

func TestHealth(t *testing.T) {
	env := setupServer(t)

	w := env.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health returned %d", w.Code)
	}
	body := decodeBody[struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}](t, w)
	if body.Status != "ok" || body.Uptime == "" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}
