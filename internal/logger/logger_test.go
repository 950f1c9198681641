package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	log := Default()
	if log == nil {
		t.Fatal("Default() returned nil")
	}
	log.Info("startup")
	log.Debug("details")
	log.Warn("caution")
	log.Error("failure")
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("quantize", "blocks", 3)

	out := buf.String()
	if !strings.Contains(out, "quantize") {
		t.Fatalf("message missing: %s", out)
	}
	if !strings.Contains(out, `"blocks":3`) {
		t.Fatalf("attr missing: %s", out)
	}
	if !strings.Contains(out, `"level":"INFO"`) {
		t.Fatalf("level missing: %s", out)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	log.Debug("dropped too")
	if buf.Len() > 0 {
		t.Fatalf("output below warn level: %s", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn record missing: %s", buf.String())
	}
}

func TestSetupFormats(t *testing.T) {
	t.Parallel()
	cases := []struct {
		format string
		probe  string
	}{
		{"json", `"msg":"ping"`},
		{"pretty", "\033["},
		{"text", "msg=ping"},
		{"bogus", "msg=ping"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		log := Setup(&buf, tc.format, "info")
		log.Info("ping")
		if !strings.Contains(buf.String(), tc.probe) {
			t.Errorf("format %q: want %q in output, got: %s", tc.format, tc.probe, buf.String())
		}
	}
}

func TestSetupLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Setup(&buf, "json", "error")
	log.Warn("dropped")
	if buf.Len() > 0 {
		t.Fatalf("warn passed an error-level logger: %s", buf.String())
	}
}

func TestWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.With("component", "optim").Info("step")

	out := buf.String()
	if !strings.Contains(out, `"component":"optim"`) {
		t.Fatalf("bound attr missing: %s", out)
	}
}

func TestWithGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.WithGroup("run").Info("created", "id", "run-1")

	out := buf.String()
	if !strings.Contains(out, "created") || !strings.Contains(out, "run-1") {
		t.Fatalf("grouped record malformed: %s", out)
	}
}

func TestFromContextDefault(t *testing.T) {
	t.Parallel()
	log := FromContext(context.Background())
	if log == nil {
		t.Fatal("FromContext returned nil without a stored logger")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("carried")
	if !strings.Contains(buf.String(), "carried") {
		t.Fatalf("context logger not used: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled at warn level")
	}
}

func TestPrettyHandlerWithAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "gradbits")})).Info("boot")
	if !strings.Contains(buf.String(), "service=gradbits") {
		t.Fatalf("bound attr missing: %s", buf.String())
	}
}

func TestPrettyHandlerNestedGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	slog.New(h.WithGroup("run").WithGroup("step")).Info("tick", "n", 7)
	if !strings.Contains(buf.String(), "run.step.n=7") {
		t.Fatalf("nested group keys missing: %s", buf.String())
	}
}

func TestPrettyHandlerEmptyGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the receiver")
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("check", "path", "two words", "kind", "adam")

	out := buf.String()
	if !strings.Contains(out, `path="two words"`) {
		t.Fatalf("spaced value not quoted: %s", out)
	}
	if strings.Contains(out, `kind="adam"`) {
		t.Fatalf("plain value quoted: %s", out)
	}
}

func TestPrettyQuotingEscapes(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("check", "v", "a\"b")

	if !strings.Contains(buf.String(), `v="a\"b"`) {
		t.Fatalf("quote not escaped: %s", buf.String())
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"key=value", true},
		{"", false},
		{"dash-ok", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.want {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
