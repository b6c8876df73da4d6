package container

import (
	"io"
	"strings"
	"time"
)

// Docker multiplexes stdout and stderr onto one connection using 8-byte
// frame headers: [type][0][0][0][size1][size2][size3][size4], where type is
// 1 for stdout and 2 for stderr.

// demuxOutput separates a fully buffered multiplexed stream. TTY-mode
// output carries no frame headers; its first byte is text rather than a
// stream tag, so the whole buffer is returned as stdout.
func demuxOutput(data []byte) (stdout, stderr string) {
	if len(data) == 0 {
		return "", ""
	}
	if data[0] > 2 {
		return string(data), ""
	}

	var outBuf, errBuf strings.Builder

	for len(data) >= 8 {
		streamType := data[0]
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]

		if size > len(data) {
			size = len(data)
		}

		chunk := string(data[:size])
		data = data[size:]

		switch streamType {
		case 1:
			outBuf.WriteString(chunk)
		case 2:
			errBuf.WriteString(chunk)
		}
	}

	return outBuf.String(), errBuf.String()
}

// frameScanner incrementally demultiplexes a live stream into whole lines,
// preserving source order within each stream.
type frameScanner struct {
	r          io.Reader
	timestamps bool
	// partial line carried over per stream
	pending map[StreamTag]string
}

func newFrameScanner(r io.Reader, timestamps bool) *frameScanner {
	return &frameScanner{
		r:          r,
		timestamps: timestamps,
		pending:    map[StreamTag]string{},
	}
}

// next reads frames until at least one complete line is available and
// returns the lines in arrival order. Returns the reader's error once the
// stream ends; any buffered partial lines are flushed first.
func (s *frameScanner) next() ([]LogLine, error) {
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(s.r, header); err != nil {
			return s.flush(), err
		}

		tag := StreamStdout
		if header[0] == 2 {
			tag = StreamStderr
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(s.r, payload); err != nil {
			return s.flush(), err
		}

		buf := s.pending[tag] + string(payload)
		var lines []LogLine
		for {
			idx := strings.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			lines = append(lines, s.parseLine(tag, buf[:idx]))
			buf = buf[idx+1:]
		}
		s.pending[tag] = buf

		if len(lines) > 0 {
			return lines, nil
		}
	}
}

func (s *frameScanner) flush() []LogLine {
	var lines []LogLine
	for _, tag := range []StreamTag{StreamStdout, StreamStderr} {
		if rest := s.pending[tag]; rest != "" {
			lines = append(lines, s.parseLine(tag, rest))
			s.pending[tag] = ""
		}
	}
	return lines
}

// parseLine strips the RFC3339Nano prefix the engine adds in timestamps
// mode and trims the trailing carriage return.
func (s *frameScanner) parseLine(tag StreamTag, raw string) LogLine {
	raw = strings.TrimSuffix(raw, "\r")
	line := LogLine{Stream: tag, Message: raw, Timestamp: time.Now().UTC()}

	if s.timestamps {
		if idx := strings.IndexByte(raw, ' '); idx > 0 {
			if ts, err := time.Parse(time.RFC3339Nano, raw[:idx]); err == nil {
				line.Timestamp = ts
				line.Message = raw[idx+1:]
			}
		}
	}

	return line
}
