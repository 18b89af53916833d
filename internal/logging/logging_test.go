package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithOutput(&buf, "debug", "json")
	if err != nil {
		t.Fatal(err)
	}
	l.WithField("component", "test").Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if entry["component"] != "test" || entry["msg"] != "hello" {
		t.Errorf("entry = %v", entry)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", l.GetLevel())
	}
}

func TestNew_RejectsBadInput(t *testing.T) {
	if _, err := New("loud", "text"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
