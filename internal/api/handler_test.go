//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestPageParams(t *testing.T) {
	tests := []struct {
		query      string
		wantOffset int
		wantLimit  int
		wantErr    bool
	}{
		{"", 0, 10, false},
		{"?offset=10&limit=5", 10, 5, false},
		{"?page=3&limit=10", 20, 10, false},
		{"?page=2", 10, 10, false},
		{"?limit=1000", 0, 100, false},
		{"?page=0", 0, 0, true},
		{"?limit=abc", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/conversations/room:r1/messages"+tt.query, nil)
			offset, limit, err := pageParams(r)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if offset != tt.wantOffset || limit != tt.wantLimit {
				t.Errorf("got offset=%d limit=%d, want %d %d", offset, limit, tt.wantOffset, tt.wantLimit)
			}
		})
	}
}
