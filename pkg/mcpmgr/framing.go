package mcpmgr

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var errFrameTooLarge = errors.New("frame exceeds size limit")

// frameReader yields complete frames from a byte stream regardless of how the
// underlying reads split or merge them.
type frameReader interface {
	ReadFrame() ([]byte, error)
}

func newFrameReader(r io.Reader, framing Framing, maxBytes int) frameReader {
	br := bufio.NewReaderSize(r, 64*1024)
	if framing == FramingContentLength {
		return &contentLengthReader{br: br, max: maxBytes}
	}
	return &lineReader{br: br, max: maxBytes}
}

// encodeFrame wraps payload with the given framing in a single buffer so a
// frame goes out in one write.
func encodeFrame(framing Framing, payload []byte) []byte {
	var buf []byte
	if framing == FramingContentLength {
		buf = make([]byte, 0, len(payload)+32)
		buf = fmt.Appendf(buf, "Content-Length: %d\r\n\r\n", len(payload))
		buf = append(buf, payload...)
	} else {
		buf = make([]byte, 0, len(payload)+1)
		buf = append(buf, payload...)
		buf = append(buf, '\n')
	}
	return buf
}

func writeFrame(w io.Writer, framing Framing, payload []byte) error {
	_, err := w.Write(encodeFrame(framing, payload))
	return err
}

type lineReader struct {
	br  *bufio.Reader
	max int
}

func (l *lineReader) ReadFrame() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := l.br.ReadSlice('\n')
		if l.max > 0 && len(buf)+len(chunk) > l.max {
			return nil, errFrameTooLarge
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		line := bytes.TrimSpace(buf)
		if err != nil {
			// A final line without a trailing newline is still a frame.
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		if len(line) == 0 {
			buf = buf[:0]
			continue
		}
		return line, nil
	}
}

type contentLengthReader struct {
	br  *bufio.Reader
	max int
}

// ReadFrame parses a header block terminated by an empty line. A line that is
// not a header is returned as a frame of its own so the codec reports it as
// malformed and the stream can resynchronise on the next header.
func (c *contentLengthReader) ReadFrame() ([]byte, error) {
	length := -1
	sawHeader := false
	for {
		raw, err := c.br.ReadString('\n')
		if err != nil && (raw == "" || !errors.Is(err, io.EOF)) {
			return nil, err
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			if !sawHeader {
				if err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return []byte(strings.TrimSpace(line)), nil
		}
		sawHeader = true
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, convErr := strconv.Atoi(strings.TrimSpace(value))
			if convErr != nil || n < 0 {
				return []byte(line), nil
			}
			length = n
		}
		if err != nil {
			return nil, err
		}
	}
	if length < 0 {
		return []byte("missing Content-Length header"), nil
	}
	if c.max > 0 && length > c.max {
		return nil, errFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
