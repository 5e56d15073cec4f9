package logger

import (
	"net/http"
	"testing"
)

func TestMaskAuthorization(t *testing.T) {
	got := MaskAuthorization("Bearer abcdef1234")
	want := "Bearer ****1234"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMaskHeadersMasksAPIKey(t *testing.T) {
	headers := http.Header{}
	headers.Set("X-Api-Key", "dk_0192.supersecretvalue")
	headers.Set("Accept", "application/json")

	masked := MaskHeaders(headers)
	if masked["X-Api-Key"] != "****alue" {
		t.Fatalf("expected masked api key, got %q", masked["X-Api-Key"])
	}
	if masked["Accept"] != "application/json" {
		t.Fatalf("expected accept header untouched, got %q", masked["Accept"])
	}
}

func TestMaskJSON(t *testing.T) {
	input := map[string]any{
		"password": "hunter2",
		"token":    "abc12345",
		"nested": map[string]any{
			"api_key": "key_12345678",
		},
	}
	masked := MaskJSON(input)
	if masked["password"] != "****ter2" {
		t.Fatalf("expected masked password, got %v", masked["password"])
	}
	if masked["token"] != "****2345" {
		t.Fatalf("expected masked token, got %v", masked["token"])
	}
	nested, ok := masked["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map")
	}
	if nested["api_key"] != "****5678" {
		t.Fatalf("expected masked api_key, got %v", nested["api_key"])
	}
}
