package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintTable(t *testing.T) {
	data := NewTableData("JOB ID", "STATUS", "FACES")
	data.AddRow("abc-123", "completed", "2")
	data.AddRow("def-456", "failed", "0")

	var buf bytes.Buffer
	if err := PrintTable(&buf, data); err != nil {
		t.Fatalf("PrintTable failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"JOB ID", "abc-123", "completed", "def-456", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintTable(&buf, NewTableData("A", "B")); err != nil {
		t.Fatalf("PrintTable failed: %v", err)
	}
	if !strings.Contains(buf.String(), "A") {
		t.Errorf("expected headers in output, got %q", buf.String())
	}
}

func TestSimpleTable(t *testing.T) {
	var buf bytes.Buffer
	err := SimpleTable(&buf, [][2]string{
		{"Total", "42"},
		{"Completed", "40"},
	})
	if err != nil {
		t.Fatalf("SimpleTable failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Total") || !strings.Contains(out, "42") {
		t.Errorf("unexpected output: %q", out)
	}
}
