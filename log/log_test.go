package log_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ghettovoice/sipcall/log"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "console", "dev", "json"} {
		if _, err := log.ParseFormat(name); err != nil {
			t.Errorf("log.ParseFormat(%q) error = %v, want nil", name, err)
		}
	}
	if _, err := log.ParseFormat("xml"); err == nil {
		t.Error("log.ParseFormat(\"xml\") error = nil, want error")
	}
}

func TestNewJSON_FormatsErrors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := log.NewJSON(&buf, slog.LevelInfo)
	l.Info("hello", slog.Any("error", errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json.Unmarshal(%q) error = %v", buf.String(), err)
	}
	if got, want := rec["msg"], "hello"; got != want {
		t.Fatalf("rec[\"msg\"] = %v, want %q", got, want)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("log record %q does not contain error message", buf.String())
	}
}

func TestSetDefault(t *testing.T) {
	old := log.Default()
	t.Cleanup(func() { log.SetDefault(old) })

	log.SetDefault(log.Noop)
	if log.Default() != log.Noop {
		t.Fatal("log.Default() != log.Noop after SetDefault")
	}
	log.SetDefault(nil)
	if log.Default() != log.Def {
		t.Fatal("log.Default() != log.Def after SetDefault(nil)")
	}
}

func TestValues(t *testing.T) {
	t.Parallel()

	type point struct{ X, Y int }

	if got, want := log.FmtValue(point{1, 2}, false).LogValue().String(), "{X:1 Y:2}"; got != want {
		t.Errorf("FmtValue(%%+v) = %q, want %q", got, want)
	}
	if got, want := log.CalcValue(func() any { return 42 }).LogValue().Int64(), int64(42); got != want {
		t.Errorf("CalcValue() = %d, want %d", got, want)
	}
}
