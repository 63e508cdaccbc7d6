package job_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/xraph/jobboard/job"
)

func TestEncodeFields_OnlySetFields(t *testing.T) {
	r := &job.Record{ID: "job-1", State: job.StateRunning, Progress: job.Float(42.5)}

	f, err := job.EncodeFields(r)
	if err != nil {
		t.Fatalf("EncodeFields: %v", err)
	}
	if f["state"] != "RUNNING" {
		t.Errorf("state = %q", f["state"])
	}
	if f["progress"] != "42.5" {
		t.Errorf("progress = %q", f["progress"])
	}
	for _, k := range []string{"type", "params", "result", "error", "started_at"} {
		if _, ok := f[k]; ok {
			t.Errorf("unexpected field %q", k)
		}
	}
}

func TestDecodeFields(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &job.Record{
		ID:        "job-1",
		Type:      "example_long_task",
		State:     job.StateFailed,
		Progress:  job.Float(60),
		CreatedAt: job.Time(ts),
		Params:    json.RawMessage(`{"duration":5}`),
		Error:     &job.ErrorInfo{Type: "ValueError", Message: "bad", Timestamp: ts},
		Extra:     map[string]string{"owner": "ops"},
	}
	f, err := job.EncodeFields(rec)
	if err != nil {
		t.Fatalf("EncodeFields: %v", err)
	}

	got, err := job.DecodeFields("job-1", f)
	if err != nil {
		t.Fatalf("DecodeFields: %v", err)
	}
	if got.State != job.StateFailed || got.Type != "example_long_task" {
		t.Errorf("got %+v", got)
	}
	if got.Progress == nil || *got.Progress != 60 {
		t.Errorf("progress = %v", got.Progress)
	}
	if got.CreatedAt == nil || !got.CreatedAt.Equal(ts) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}
	if string(got.Params) != `{"duration":5}` {
		t.Errorf("params = %s", got.Params)
	}
	if got.Error == nil || got.Error.Type != "ValueError" || !got.Error.Timestamp.Equal(ts) {
		t.Errorf("error = %+v", got.Error)
	}
	if got.Extra["owner"] != "ops" {
		t.Errorf("extra = %v", got.Extra)
	}
}

func TestDecodeBlob_Legacy(t *testing.T) {
	blob := []byte(`{
		"id": "abc",
		"type": "example_long_task",
		"state": "running",
		"progress": 20,
		"created_at": "2024-05-01T10:00:00.123456",
		"params": {"duration": 10},
		"error": null
	}`)

	got, err := job.DecodeBlob("abc", blob)
	if err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if got.State != job.StateRunning {
		t.Errorf("state = %q, want RUNNING", got.State)
	}
	if got.Progress == nil || *got.Progress != 20 {
		t.Errorf("progress = %v", got.Progress)
	}
	if got.CreatedAt == nil || got.CreatedAt.Year() != 2024 {
		t.Errorf("created_at = %v", got.CreatedAt)
	}
	var params map[string]int
	if err := json.Unmarshal(got.Params, &params); err != nil || params["duration"] != 10 {
		t.Errorf("params = %s (%v)", got.Params, err)
	}
	if got.Error != nil {
		t.Errorf("error = %+v, want nil", got.Error)
	}
}

func TestDecodeBlob_Invalid(t *testing.T) {
	if _, err := job.DecodeBlob("x", []byte("not json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeFields_PlainTextError(t *testing.T) {
	got, err := job.DecodeFields("x", map[string]string{"error": "disk full"})
	if err != nil {
		t.Fatalf("DecodeFields: %v", err)
	}
	if got.Error == nil || got.Error.Message != "disk full" {
		t.Errorf("error = %+v", got.Error)
	}
}

func TestRawDecode_Absent(t *testing.T) {
	rec, err := job.Raw{Shape: job.ShapeAbsent}.Decode("x")
	if err != nil || rec != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", rec, err)
	}
}

func TestStatePredicates(t *testing.T) {
	tests := []struct {
		state     job.State
		terminal  bool
		retryable bool
	}{
		{job.StateQueued, false, false},
		{job.StateRunning, false, false},
		{job.StateSucceeded, true, false},
		{job.StateFailed, true, true},
		{job.StateCancelled, false, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v", tt.state, got)
		}
		if got := tt.state.Retryable(); got != tt.retryable {
			t.Errorf("%s.Retryable() = %v", tt.state, got)
		}
	}

	if s, err := job.ParseState("failed"); err != nil || s != job.StateFailed {
		t.Errorf("ParseState(failed) = %q, %v", s, err)
	}
	if _, err := job.ParseState("bogus"); err == nil {
		t.Error("expected error for bogus state")
	}
}

func TestRecordMerge(t *testing.T) {
	base := &job.Record{ID: "j", Type: "t", Message: "old", Progress: job.Float(10)}
	base.Merge(&job.Record{ID: "ignored", State: job.StateRunning, Message: "new"})

	if base.ID != "j" {
		t.Errorf("ID changed to %q", base.ID)
	}
	if base.Type != "t" || base.Message != "new" || base.State != job.StateRunning {
		t.Errorf("merge result %+v", base)
	}
	if *base.Progress != 10 {
		t.Errorf("progress = %v", *base.Progress)
	}
}
