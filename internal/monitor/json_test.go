package monitor

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ppiankov/otterhound/internal/store"
)

func TestWriteJSON_Envelope(t *testing.T) {
	r := fixtureReport()
	var buf bytes.Buffer
	if err := WriteJSON(&buf, r, ExitCode(r)); err != nil {
		t.Fatalf("WriteJSON error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := raw["report"]; !ok {
		t.Error("missing report key")
	}
	if string(raw["exitCode"]) != "3" {
		t.Errorf("exitCode = %s, want 3", raw["exitCode"])
	}

	var out struct {
		Report store.Report `json:"report"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Report.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(out.Report.Entries))
	}
	if out.Report.Entries[2].Probe.Status != store.StatusFiltered {
		t.Errorf("entry order not preserved: %v", out.Report.Entries[2].Probe.Status)
	}
	if !out.Report.DeadlineExceeded {
		t.Error("deadline flag lost")
	}
}

func TestWriteJSON_FieldNames(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, fixtureReport(), 0); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"invalidSpecs"`, `"deadlineExceeded"`, `"errorKind": "deadline"`, `"cipherSuite"`, `"serverName"`} {
		if !bytes.Contains(buf.Bytes(), []byte(key)) {
			t.Errorf("expected %s in output", key)
		}
	}
}
