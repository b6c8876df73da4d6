package container

import (
	"bytes"
	"io"
	"testing"
)

// frame builds one multiplexed frame in the engine's 8-byte header format.
func frame(streamType byte, payload string) []byte {
	size := len(payload)
	header := []byte{streamType, 0, 0, 0,
		byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}
	return append(header, payload...)
}

func TestDemuxOutput_SeparatesStreams(t *testing.T) {
	var data []byte
	data = append(data, frame(1, "hello\n")...)
	data = append(data, frame(2, "oops\n")...)
	data = append(data, frame(1, "world\n")...)

	stdout, stderr := demuxOutput(data)

	if stdout != "hello\nworld\n" {
		t.Errorf("stdout = %q; want %q", stdout, "hello\nworld\n")
	}
	if stderr != "oops\n" {
		t.Errorf("stderr = %q; want %q", stderr, "oops\n")
	}
}

func TestDemuxOutput_RawTTYOutput(t *testing.T) {
	// Longer than one frame header: headerless data must not be consumed
	// as bogus frames.
	raw := "tty output, no frame headers anywhere\n"
	stdout, stderr := demuxOutput([]byte(raw))
	if stdout != raw || stderr != "" {
		t.Errorf("got (%q, %q); want (%q, %q)", stdout, stderr, raw, "")
	}
}

func TestDemuxOutput_Empty(t *testing.T) {
	stdout, stderr := demuxOutput(nil)
	if stdout != "" || stderr != "" {
		t.Errorf("got (%q, %q); want empty", stdout, stderr)
	}
}

func TestFrameScanner_WholeLines(t *testing.T) {
	var data []byte
	data = append(data, frame(1, "line one\nline ")...)
	data = append(data, frame(1, "two\n")...)
	data = append(data, frame(2, "err line\n")...)

	scanner := newFrameScanner(bytes.NewReader(data), false)

	var got []LogLine
	for {
		lines, err := scanner.next()
		got = append(got, lines...)
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
	}

	want := []struct {
		stream  StreamTag
		message string
	}{
		{StreamStdout, "line one"},
		{StreamStdout, "line two"},
		{StreamStderr, "err line"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d lines; want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Stream != w.stream || got[i].Message != w.message {
			t.Errorf("line %d = (%s, %q); want (%s, %q)",
				i, got[i].Stream, got[i].Message, w.stream, w.message)
		}
	}
}

func TestFrameScanner_FlushesPartialLineAtEOF(t *testing.T) {
	data := frame(1, "no trailing newline")

	scanner := newFrameScanner(bytes.NewReader(data), false)

	var got []LogLine
	for {
		lines, err := scanner.next()
		got = append(got, lines...)
		if err != nil {
			break
		}
	}

	if len(got) != 1 {
		t.Fatalf("got %d lines; want 1", len(got))
	}
	if got[0].Message != "no trailing newline" {
		t.Errorf("message = %q; want %q", got[0].Message, "no trailing newline")
	}
}

func TestFrameScanner_ParsesTimestampPrefix(t *testing.T) {
	data := frame(1, "2026-01-02T15:04:05.123456789Z payload text\n")

	scanner := newFrameScanner(bytes.NewReader(data), true)
	lines, _ := scanner.next()

	if len(lines) != 1 {
		t.Fatalf("got %d lines; want 1", len(lines))
	}
	if lines[0].Message != "payload text" {
		t.Errorf("message = %q; want %q", lines[0].Message, "payload text")
	}
	if lines[0].Timestamp.Year() != 2026 || lines[0].Timestamp.Nanosecond() != 123456789 {
		t.Errorf("timestamp not parsed: %v", lines[0].Timestamp)
	}
}
