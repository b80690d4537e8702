package id_test

import (
	"encoding/json"
	"testing"

	"github.com/chronoq/chronoq/id"
)

func TestNew_AssignsPrefix(t *testing.T) {
	tests := []struct {
		name   string
		make   func() id.ID
		prefix id.Prefix
	}{
		{"job", id.NewJobID, id.PrefixJob},
		{"worker", id.NewWorkerID, id.PrefixWorker},
		{"dispatcher", id.NewDispatcherID, id.PrefixDispatcher},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.make()
			if got.IsNil() {
				t.Fatal("New returned nil ID")
			}
			if got.Prefix() != tt.prefix {
				t.Errorf("Prefix() = %q, want %q", got.Prefix(), tt.prefix)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := id.NewJobID()

	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", orig.String(), err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", parsed.String(), orig.String())
	}
}

func TestParseWithPrefix_RejectsWrongPrefix(t *testing.T) {
	w := id.NewWorkerID()

	if _, err := id.ParseJobID(w.String()); err == nil {
		t.Errorf("ParseJobID(%q) succeeded, want prefix error", w.String())
	}
}

func TestParse_RejectsEmptyString(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("Parse(\"\") succeeded, want error")
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	orig := id.NewJobID()

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var back id.ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if back.String() != orig.String() {
		t.Errorf("JSON round trip = %q, want %q", back.String(), orig.String())
	}
}

func TestNil_BehavesAsZero(t *testing.T) {
	var z id.ID

	if !z.IsNil() {
		t.Error("zero ID IsNil() = false, want true")
	}
	if z.String() != "" {
		t.Errorf("zero ID String() = %q, want empty", z.String())
	}
}
