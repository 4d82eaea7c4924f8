package dlog

import (
	"fmt"
	"strings"
	"testing"
)

func TestWriterStripsTrailingNewline(t *testing.T) {
	var got string
	w := &Writer{Prefix: "x: ", Logf: func(format string, v ...interface{}) { got = fmt.Sprintf(format, v...) }}
	n, err := w.Write([]byte("hello\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len("hello\n") {
		t.Errorf("n = %d, want %d", n, len("hello\n"))
	}
	if got != "x: hello" {
		t.Errorf("got %q", got)
	}
}

func TestLoggerPrefix(t *testing.T) {
	l := New("sched")
	if l.prefix != "sched" {
		t.Errorf("prefix = %q", l.prefix)
	}
}

func TestNewNoPrefix(t *testing.T) {
	l := New("")
	if !strings.HasPrefix("", l.prefix) {
		t.Fatal("unreachable")
	}
}
