package logstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/moby/moby/pkg/stdcopy"

	"github.com/isdmx/sandboxctl/sandbox"
)

// Source tags the stream a record was read from
type Source string

const (
	SourceStdout   Source = "stdout"
	SourceStderr   Source = "stderr"
	SourceCombined Source = "combined"
)

// Replacement is substituted for invalid UTF-8 byte runs.
const Replacement = "\uFFFD"

// Record is one reconstructed line of sandbox output
type Record struct {
	Line   string
	Source Source
}

func (r Record) String() string {
	return fmt.Sprintf("[%s] %s", r.Source, r.Line)
}

// Emit receives each record, with a non-nil error matching sandbox.ErrDecode
// when the line had to be repaired. Returning false stops the splitter.
type Emit func(Record, error) bool

var errStopped = errors.New("record consumer stopped")

// MaxLineBytes bounds the length of a single record. Longer lines are split
// into several records at rune boundaries.
const MaxLineBytes = 64 * 1024

// Splitter is an io.Writer that turns arbitrarily chunked bytes into records,
// one per '\n'. A '\r' right before the '\n' is dropped with it. At most
// MaxLineBytes of an unterminated line are buffered.
type Splitter struct {
	source  Source
	emit    Emit
	maxLine int
	buf     []byte
	stopped bool
}

// NewSplitter creates a Splitter tagging records with source
func NewSplitter(source Source, emit Emit) *Splitter {
	return &Splitter{source: source, emit: emit, maxLine: MaxLineBytes}
}

// Write buffers p and emits every complete line it closes
func (s *Splitter) Write(p []byte) (int, error) {
	if s.stopped {
		return 0, errStopped
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.buf = append(s.buf, p...)
	start := 0
	for {
		i := bytes.IndexByte(s.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(s.buf[start:start+i], []byte{'\r'})
		start += i + 1
		if !s.sendLine(line) {
			return len(p), s.stop()
		}
	}

	// Emit oversized pending data the same way sendLine splits a complete
	// line. A trailing '\r' may still turn out to be part of the terminator.
	for s.pending(start) > s.maxLine {
		cut := start + runeCut(s.buf[start:], s.maxLine)
		if !s.send(s.buf[start:cut]) {
			return len(p), s.stop()
		}
		start = cut
	}
	s.buf = append(s.buf[:0], s.buf[start:]...)

	return len(p), nil
}

func (s *Splitter) pending(start int) int {
	n := len(s.buf) - start
	if n > 0 && s.buf[len(s.buf)-1] == '\r' {
		n--
	}
	return n
}

func (s *Splitter) stop() error {
	s.stopped = true
	s.buf = nil
	return errStopped
}

// sendLine emits line as one record, or several when it exceeds maxLine.
func (s *Splitter) sendLine(line []byte) bool {
	for len(line) > s.maxLine {
		cut := runeCut(line, s.maxLine)
		if !s.send(line[:cut]) {
			return false
		}
		line = line[cut:]
	}
	return s.send(line)
}

// runeCut returns n, moved back to the start of the rune it falls into.
func runeCut(b []byte, n int) int {
	for cut := n; cut > 0 && cut > n-utf8.UTFMax; cut-- {
		if utf8.RuneStart(b[cut]) {
			return cut
		}
	}
	return n
}

// Flush emits the buffered partial line, if any. It returns false when the
// consumer stopped.
func (s *Splitter) Flush() bool {
	if s.stopped {
		return false
	}
	if len(s.buf) == 0 {
		return true
	}
	line := s.buf
	s.buf = nil
	if !s.sendLine(line) {
		s.stopped = true
		return false
	}
	return true
}

func (s *Splitter) send(line []byte) bool {
	if utf8.Valid(line) {
		return s.emit(Record{Line: string(line), Source: s.source}, nil)
	}
	rec := Record{Line: strings.ToValidUTF8(string(line), Replacement), Source: s.source}
	return s.emit(rec, sandbox.Errorf(sandbox.ErrDecode, "decode", "", "invalid UTF-8 in %s record", s.source))
}

// Records lazily reads r until EOF and yields one record per line. Raw streams
// yield SourceCombined records; multiplexed streams are split into stdout and
// stderr by their frame headers. Trailing partial lines are yielded at EOF.
//
// A record paired with an error matching sandbox.ErrDecode is still usable.
// A read failure is yielded last as an error matching sandbox.ErrStream.
// The sequence can be ranged over once.
func Records(r io.Reader, multiplexed bool) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		stopped := false
		emit := func(rec Record, err error) bool {
			if stopped {
				return false
			}
			if !yield(rec, err) {
				stopped = true
			}
			return !stopped
		}

		var (
			splitters []*Splitter
			err       error
		)
		if multiplexed {
			stdout := NewSplitter(SourceStdout, emit)
			stderr := NewSplitter(SourceStderr, emit)
			splitters = []*Splitter{stdout, stderr}
			_, err = stdcopy.StdCopy(stdout, stderr, r)
		} else {
			combined := NewSplitter(SourceCombined, emit)
			splitters = []*Splitter{combined}
			_, err = io.Copy(combined, r)
		}
		if stopped {
			return
		}

		for _, s := range splitters {
			if !s.Flush() {
				return
			}
		}

		if err != nil {
			yield(Record{}, sandbox.Errorf(sandbox.ErrStream, "read", "", "%w", err))
		}
	}
}
