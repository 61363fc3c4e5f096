package monitoring

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"testing"
)

func TestSetLogger_CapturesFormattedLines(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("[Matcher] sweep %d stale", 42)

	if len(lines) != 1 || lines[0] != "[Matcher] sweep 42 stale" {
		t.Errorf("unexpected captured lines: %q", lines)
	}

	SetLogger(nil)
	Logf("[Worker] dropped")
	if len(lines) != 1 {
		t.Errorf("nil logger should mute output, got %q", lines)
	}
}

func TestLogf_DefaultUsesStandardLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()
	Logf = log.Printf

	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	}()

	Logf("[Listener] %d datagrams", 3)
	if got := strings.TrimSpace(buf.String()); got != "[Listener] 3 datagrams" {
		t.Errorf("expected standard logger output, got %q", got)
	}
}
