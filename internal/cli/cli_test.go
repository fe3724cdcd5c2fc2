package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/WuJingLearn/rocketmq/internal/api"
	"github.com/WuJingLearn/rocketmq/internal/delay"
	"github.com/WuJingLearn/rocketmq/internal/storage"
)

// =============================================================================
// CLIENT TESTS
// =============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{ServerURL: srv.URL, Timeout: 5 * time.Second})
}

func TestClient_ScheduleSendsRequest(t *testing.T) {
	var got api.ScheduleRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.ScheduleResponse{MessageID: "m1", ScheduleTime: 1000, BaseOffset: 0, Size: 48})
	})

	delaySec := int64(30)
	resp, err := client.Schedule(context.Background(), api.ScheduleRequest{Subject: "orders", Payload: "x", DelaySeconds: &delaySec})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if resp.MessageID != "m1" || resp.Size != 48 {
		t.Errorf("response = %+v", resp)
	}
	if got.Subject != "orders" || got.DelaySeconds == nil || *got.DelaySeconds != 30 {
		t.Errorf("server received %+v", got)
	}
}

func TestClient_APIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"service is created"}`))
	})

	_, err := client.Stats(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "service is created" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClient_ReadyMessagesQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" || r.URL.Query().Get("from") != "7" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Write([]byte(`{"messages":[],"next":7}`))
	})

	resp, err := client.ReadyMessages(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("ReadyMessages failed: %v", err)
	}
	if resp.Next != 7 || len(resp.Messages) != 0 {
		t.Errorf("resp = %+v", resp)
	}
}

// =============================================================================
// FORMATTER TESTS
// =============================================================================

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputTable, false},
		{"TABLE", OutputTable, false},
		{"json", OutputJSON, false},
		{"yml", OutputYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestFormatter_SegmentReportsTable(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(OutputTable)
	f.SetWriter(&buf)

	err := f.FormatSegmentReports([]storage.SegmentReport{
		{BaseOffset: 1_700_000_000_000, FileSize: 130, ValidSize: 100, Records: 2},
	})
	if err != nil {
		t.Fatalf("FormatSegmentReports failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"BASE", "TORN", "1700000000000", "2023-11-14T22:13:20Z", "30"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatter_CheckpointYAML(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(OutputYAML)
	f.SetWriter(&buf)

	cp := &delay.Checkpoint{
		ScheduleOffsets: map[int64]int64{60_000: 480},
		DispatchOffsets: map[int64]int64{60_000: 16},
		DispatchedUpTo:  map[int64]int64{60_000: 96},
	}
	if err := f.FormatCheckpoint(cp); err != nil {
		t.Fatalf("FormatCheckpoint failed: %v", err)
	}

	var back delay.Checkpoint
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("yaml.Unmarshal failed: %v\n%s", err, buf.String())
	}
	if back.ScheduleOffsets[60_000] != 480 || back.DispatchedUpTo[60_000] != 96 {
		t.Errorf("decoded = %+v", back)
	}
}

func TestFormatter_CheckpointTable(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(OutputTable)
	f.SetWriter(&buf)

	cp := &delay.Checkpoint{
		ScheduleOffsets: map[int64]int64{60_000: 480, 0: 96},
		DispatchOffsets: map[int64]int64{0: 16},
	}
	if err := f.FormatCheckpoint(cp); err != nil {
		t.Fatalf("FormatCheckpoint failed: %v", err)
	}
	out := buf.String()
	if strings.Index(out, "60000") < strings.Index(out, "\n0 ") {
		t.Errorf("buckets not sorted:\n%s", out)
	}
	if !strings.Contains(out, "-") {
		t.Errorf("missing placeholder for absent offsets:\n%s", out)
	}
}

func TestFormatter_StatsJSON(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(OutputJSON)
	f.SetWriter(&buf)

	if err := f.FormatStats(&delay.Stats{State: "started", InFlight: 3}); err != nil {
		t.Fatalf("FormatStats failed: %v", err)
	}
	var back delay.Stats
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("json.Unmarshal failed: %v", err)
	}
	if back.State != "started" || back.InFlight != 3 {
		t.Errorf("decoded = %+v", back)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
