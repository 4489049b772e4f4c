package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// buildSink returns the lines of a valid n-record security sink.
func buildSink(t *testing.T, n int) []string {
	t.Helper()
	l, sinks := newTestLogger(t)
	for i := range n {
		emit(t, l, "security", LevelInfo, fmt.Sprintf("event %d", i+1))
	}
	return strings.Split(strings.TrimSuffix(sinks["security"].content(), "\n"), "\n")
}

func verifyLines(t *testing.T, lines []string) Report {
	t.Helper()
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := v.Verify(strings.NewReader(strings.Join(lines, "\n") + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	return rep
}

func TestVerify_EndToEndScenario(t *testing.T) {
	l, sinks := newTestLogger(t)
	t1 := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(3 * time.Second)

	r1, err := l.Emit(Event{Channel: "security", Level: LevelInfo, Message: "login ok", Fields: map[string]any{}, Time: t1})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.Emit(Event{Channel: "security", Level: LevelWarning, Message: "bad password", Fields: map[string]any{}, Time: t2})
	if err != nil {
		t.Fatal(err)
	}

	if r1.PrevSignature != strings.Repeat("0", 64) {
		t.Errorf("record1 prev_signature = %s", r1.PrevSignature)
	}
	if r2.PrevSignature != r1.Signature {
		t.Error("record2 should link to record1")
	}

	lines := strings.Split(strings.TrimSuffix(sinks["security"].content(), "\n"), "\n")
	rep := verifyLines(t, lines)
	if !rep.OK() || rep.Records != 2 {
		t.Fatalf("intact sink: ok=%v records=%d anomalies=%v", rep.OK(), rep.Records, rep.Anomalies)
	}

	// Flip one character of record1's message.
	lines[0] = strings.Replace(lines[0], `"message":"login ok"`, `"message":"login ol"`, 1)
	rep = verifyLines(t, lines)

	if len(rep.Anomalies) != 1 {
		t.Fatalf("expected exactly 1 anomaly, got %v", rep.Anomalies)
	}
	a := rep.Anomalies[0]
	if a.Line != 1 || a.Kind != AnomalySignatureMismatch {
		t.Errorf("expected signature mismatch at line 1, got %+v", a)
	}
	if rep.OK() {
		t.Error("tampered file must not report OK")
	}
}

func TestVerify_EditDetected(t *testing.T) {
	lines := buildSink(t, 6)
	const k = 4

	lines[k-1] = strings.Replace(lines[k-1], fmt.Sprintf("event %d", k), "event forged", 1)
	rep := verifyLines(t, lines)

	if len(rep.Anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %v", rep.Anomalies)
	}
	if rep.Anomalies[0].Line != k || rep.Anomalies[0].Kind != AnomalySignatureMismatch {
		t.Errorf("expected signature mismatch at line %d, got %+v", k, rep.Anomalies[0])
	}
	if line, _ := rep.FirstBreak(); line != k {
		t.Errorf("lines before %d should be valid, first break at %d", k, line)
	}
}

func TestVerify_DeletionDetected(t *testing.T) {
	lines := buildSink(t, 6)
	const k = 3

	deleted := append(append([]string(nil), lines[:k-1]...), lines[k:]...)
	rep := verifyLines(t, deleted)

	if len(rep.Anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %v", rep.Anomalies)
	}
	if rep.Anomalies[0].Line != k || rep.Anomalies[0].Kind != AnomalyChainBreak {
		t.Errorf("expected chain break at line %d, got %+v", k, rep.Anomalies[0])
	}
}

func TestVerify_ReorderDetected(t *testing.T) {
	lines := buildSink(t, 4)
	lines[1], lines[2] = lines[2], lines[1]
	rep := verifyLines(t, lines)

	var breaks []int
	for _, a := range rep.Anomalies {
		if a.Kind != AnomalyChainBreak {
			t.Errorf("reordering should only break the chain, got %+v", a)
		}
		breaks = append(breaks, a.Line)
	}
	if fmt.Sprint(breaks) != "[2 3 4]" {
		t.Errorf("expected chain breaks at lines 2, 3 and 4, got %v", breaks)
	}
}

func TestVerify_ForgedRecordWithWrongSecret(t *testing.T) {
	lines := buildSink(t, 2)

	forger, _ := NewEnricher([]byte("guessed"), NewChainState())
	first, _ := ParseRecord([]byte(lines[1]))
	forger.state.Seed("security", first.Signature)
	rec, err := forger.Enrich("security", Event{Channel: "security", Level: LevelInfo, Message: "inserted"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := rec.MarshalJSON()
	lines = append(lines, string(data))

	rep := verifyLines(t, lines)
	if len(rep.Anomalies) != 1 || rep.Anomalies[0].Line != 3 || rep.Anomalies[0].Kind != AnomalySignatureMismatch {
		t.Errorf("record signed with another key should fail at line 3, got %v", rep.Anomalies)
	}
}

func TestVerify_MalformedLineDoesNotStopScan(t *testing.T) {
	lines := buildSink(t, 4)
	lines[1] = `{"timestamp": "2026-02-12T10:00:00.000000Z", "level": "INFO"`
	lines[3] = strings.Replace(lines[3], "event 4", "event X", 1)

	rep := verifyLines(t, lines)
	want := []Anomaly{
		{Line: 2, Kind: AnomalyMalformed},
		// The garbled line replaced record 2, so record 3 no longer links.
		{Line: 3, Kind: AnomalyChainBreak},
		{Line: 4, Kind: AnomalySignatureMismatch},
	}
	if len(rep.Anomalies) != len(want) {
		t.Fatalf("expected %d anomalies, got %v", len(want), rep.Anomalies)
	}
	for i, w := range want {
		if rep.Anomalies[i].Line != w.Line || rep.Anomalies[i].Kind != w.Kind {
			t.Errorf("anomaly %d: got %+v, want %s at line %d", i, rep.Anomalies[i], w.Kind, w.Line)
		}
	}
	if rep.Records != 3 || rep.Lines != 4 {
		t.Errorf("records=%d lines=%d", rep.Records, rep.Lines)
	}
}

func TestVerify_OversizedLineDoesNotStopScan(t *testing.T) {
	lines := buildSink(t, 3)
	lines = []string{lines[0], strings.Repeat("<", MaxRecordSize+1), lines[1], lines[2]}

	rep := verifyLines(t, lines)
	if rep.Lines != 4 || rep.Records != 3 {
		t.Fatalf("lines=%d records=%d", rep.Lines, rep.Records)
	}
	// The inserted line is reported; the records around it still link.
	if len(rep.Anomalies) != 1 || rep.Anomalies[0].Line != 2 || rep.Anomalies[0].Kind != AnomalyMalformed {
		t.Errorf("expected one malformed anomaly at line 2, got %v", rep.Anomalies)
	}
}

func TestVerify_MissingRequiredKeyIsMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", "login ok"},
		{"array", `["a"]`},
		{"no signature", `{"timestamp":"t","level":"INFO","message":"m","prev_signature":"p"}`},
		{"non-string level", `{"timestamp":"t","level":20,"message":"m","prev_signature":"p","signature":"s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := verifyLines(t, []string{tt.line})
			if len(rep.Anomalies) != 1 || rep.Anomalies[0].Kind != AnomalyMalformed {
				t.Errorf("expected one malformed anomaly, got %v", rep.Anomalies)
			}
		})
	}
}

func TestVerify_BlankLinesSkipped(t *testing.T) {
	lines := buildSink(t, 2)
	lines = []string{lines[0], "", "   ", lines[1]}

	rep := verifyLines(t, lines)
	if !rep.OK() {
		t.Errorf("blank lines should not raise anomalies: %v", rep.Anomalies)
	}
	if rep.Lines != 4 || rep.Records != 2 {
		t.Errorf("lines=%d records=%d", rep.Lines, rep.Records)
	}
}

func TestVerify_EmptyInput(t *testing.T) {
	v, _ := NewVerifier(testSecret)
	rep, err := v.Verify(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Records != 0 {
		t.Errorf("empty sink should verify: %+v", rep)
	}
}

func TestVerify_LastSignature(t *testing.T) {
	lines := buildSink(t, 3)
	last, _ := ParseRecord([]byte(lines[2]))
	if rep := verifyLines(t, lines); rep.LastSignature != last.Signature {
		t.Errorf("LastSignature = %s, want %s", rep.LastSignature, last.Signature)
	}
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir, Secret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	emit(t, l, "error", LevelError, "timeout in EngineStats")
	emit(t, l, "error", LevelCritical, "engine offline")
	l.Close()

	v, _ := NewVerifier(testSecret)
	rep, err := v.VerifyFile(filepath.Join(dir, "error.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Records != 2 {
		t.Errorf("error.log: %+v", rep)
	}
	if rep.Path != filepath.Join(dir, "error.log") {
		t.Errorf("report path = %s", rep.Path)
	}

	_, err = v.VerifyFile(filepath.Join(dir, "missing.log"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: expected ErrNotExist, got %v", err)
	}
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewVerifier(nil); !errors.Is(err, ErrNoSecret) {
		t.Errorf("expected ErrNoSecret, got %v", err)
	}
}

func TestAnomaly_String(t *testing.T) {
	tests := []struct {
		a    Anomaly
		want string
	}{
		{Anomaly{Line: 2, Kind: AnomalyMalformed, Detail: "bad json"}, "[LINE 2] MALFORMED RECORD: bad json"},
		{Anomaly{Line: 3, Kind: AnomalyChainBreak, Detail: "x"}, "[LINE 3] CHAIN BROKEN:"},
		{Anomaly{Line: 4, Kind: AnomalySignatureMismatch, Detail: "y"}, "[LINE 4] DATA TAMPERED:"},
	}
	for _, tt := range tests {
		if got := tt.a.String(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("String() = %q, want prefix %q", got, tt.want)
		}
	}
}
