package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("component", "bots", "room_id", "r1").WithGroup("bot").Info("bots.reply", "outcome", "published", "note", "two words")

	line := buf.String()
	for _, want := range []string{"[INFO] (bots) bots.reply", " room_id=r1", "bot.outcome=published", `bot.note="two words"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "component=") || strings.Contains(line, "bot.room_id") {
		t.Fatalf("bound attrs rendered wrong: %q", line)
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color codes in plain output: %q", line)
	}
}

func TestPrettyHandler_FlattensGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))
	log.Info("ws.closed", slog.Group("close", "code", 4409, "reason", "removed"), slog.Group("", "conn_id", "c1"))

	line := buf.String()
	for _, want := range []string{"close.code=4409", "close.reason=removed", " conn_id=c1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestPrettyHandler_ColorsRequestFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("http.request", "method", "delete", "status", 404, "duration_ms", int64(12))

	line := buf.String()
	if !strings.Contains(line, ansiRed+"DELETE"+ansiReset) {
		t.Fatalf("method not colored: %q", line)
	}
	plain := stripANSI(line)
	for _, want := range []string{"[WARN] http.request", "status=404", "duration=12ms"} {
		if !strings.Contains(plain, want) {
			t.Fatalf("line %q missing %q", plain, want)
		}
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   slog.Value
		want int64
		ok   bool
	}{
		{in: slog.Int64Value(7), want: 7, ok: true},
		{in: slog.Uint64Value(9), want: 9, ok: true},
		{in: slog.DurationValue(1500 * time.Millisecond), want: 1500, ok: true},
		{in: slog.StringValue(" 42 "), want: 42, ok: true},
		{in: slog.StringValue("nope"), ok: false},
		{in: slog.BoolValue(true), ok: false},
	}
	for _, tc := range cases {
		got, ok := valueToInt64(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("valueToInt64(%v)=(%d,%v) want (%d,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
