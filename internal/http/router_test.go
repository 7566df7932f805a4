package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"serial-voice-ingress/internal/service/keyword"
	"serial-voice-ingress/internal/service/pipeline"
	"serial-voice-ingress/internal/service/segment"
)

type fakeView struct {
	samples []int16
	lastArg int
	state   pipeline.State
	running bool
}

func (v *fakeView) Snapshot(last int) []int16 {
	v.lastArg = last
	if last > 0 && last < len(v.samples) {
		return v.samples[len(v.samples)-last:]
	}
	return v.samples
}

func (v *fakeView) State() pipeline.State { return v.state }

func (v *fakeView) Running() bool { return v.running }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	rec := get(t, NewRouter(&fakeView{}), "/v1/liveness")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("unexpected liveness response %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		want    int
	}{
		{"running", true, http.StatusOK},
		{"stopped", false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, NewRouter(&fakeView{running: tt.running}), "/v1/readiness")
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	view := &fakeView{samples: []int16{1, 2, 3, 4}}
	h := NewRouter(view)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantLen  int
		wantArg  int
	}{
		{"full", "/v1/snapshot", http.StatusOK, 4, 0},
		{"last", "/v1/snapshot?last=2", http.StatusOK, 2, 2},
		{"not a number", "/v1/snapshot?last=abc", http.StatusBadRequest, 0, 0},
		{"negative", "/v1/snapshot?last=-1", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view.lastArg = 0
			rec := get(t, h, tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp snapshotResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if resp.Count != tt.wantLen || len(resp.Samples) != tt.wantLen {
				t.Errorf("expected %d samples, got %d", tt.wantLen, resp.Count)
			}
			if view.lastArg != tt.wantArg {
				t.Errorf("expected last=%d passed through, got %d", tt.wantArg, view.lastArg)
			}
		})
	}
}

func TestState(t *testing.T) {
	view := &fakeView{state: pipeline.State{
		Running:    true,
		Voice:      segment.Trailing(3),
		VoiceState: "TRAILING(3)",
		SegmentID:  "capture-seg-4",
		LastLabel:  keyword.Label("word-class-A"),
	}}

	rec := get(t, NewRouter(view), "/v1/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %s", ct)
	}

	var got pipeline.State
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Voice != segment.Trailing(3) || got.SegmentID != "capture-seg-4" || got.LastLabel != "word-class-A" {
		t.Errorf("unexpected state %+v", got)
	}
}
