package logstream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"github.com/moby/moby/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxctl/sandbox"
)

// chunkReader returns the given chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
	err    error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func chunks(parts ...string) *chunkReader {
	r := &chunkReader{}
	for _, p := range parts {
		r.chunks = append(r.chunks, []byte(p))
	}
	return r
}

type result struct {
	records []Record
	errs    []error
}

func collect(r io.Reader, multiplexed bool) result {
	var res result
	for rec, err := range Records(r, multiplexed) {
		if err != nil {
			res.errs = append(res.errs, err)
			if errors.Is(err, sandbox.ErrStream) {
				continue
			}
		}
		res.records = append(res.records, rec)
	}
	return res
}

func lines(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Line)
	}
	return out
}

func TestRecordsReassemblesLinesAcrossChunks(t *testing.T) {
	res := collect(chunks("line1\nli", "ne2\nline3"), false)

	require.Empty(t, res.errs)
	assert.Equal(t, []Record{
		{Line: "line1", Source: SourceCombined},
		{Line: "line2", Source: SourceCombined},
		{Line: "line3", Source: SourceCombined},
	}, res.records)
}

const chunkingInput = "PING google.com (142.250.74.14) 56(84) bytes of data.\r\n" +
	"64 bytes from 142.250.74.14: icmp_seq=1 ttl=117 time=9.81 ms\r\n" +
	"\n" +
	"caf\xc3\xa9 \xff r\xc3\xa9sum\xc3\xa9\n" +
	"--- google.com ping statistics ---\n" +
	"5 packets transmitted, 5 received"

func TestRecordsIndependentOfChunking(t *testing.T) {
	input := chunkingInput
	want := collect(strings.NewReader(input), false)
	require.Len(t, want.records, 6)
	require.Len(t, want.errs, 1)

	check := func(t *testing.T, got result) {
		t.Helper()
		if diff := cmp.Diff(lines(want.records), lines(got.records)); diff != "" {
			t.Fatalf("records mismatch (-want +got):\n%s", diff)
		}
		assert.Len(t, got.errs, len(want.errs))
	}

	t.Run("OneByte", func(t *testing.T) {
		check(t, collect(iotest.OneByteReader(strings.NewReader(input)), false))
	})

	t.Run("EverySplit", func(t *testing.T) {
		for i := 0; i <= len(input); i++ {
			check(t, collect(chunks(input[:i], input[i:]), false))
		}
	})

	t.Run("EveryPairOfSplits", func(t *testing.T) {
		for i := 0; i <= len(input); i++ {
			for j := i; j <= len(input); j++ {
				check(t, collect(chunks(input[:i], input[i:j], input[j:]), false))
			}
		}
	})

	t.Run("Multiplexed", func(t *testing.T) {
		var buf bytes.Buffer
		stdout := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
		stderr := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
		half := len(input) / 2
		_, _ = stdout.Write([]byte(input[:half]))
		_, _ = stderr.Write([]byte("warning: unknown iface\nlast"))
		_, _ = stdout.Write([]byte(input[half:]))
		framed := buf.String()

		wantMux := collect(strings.NewReader(framed), true)
		require.NotEmpty(t, wantMux.records)
		for i := 0; i <= len(framed); i++ {
			got := collect(chunks(framed[:i], framed[i:]), true)
			if diff := cmp.Diff(wantMux.records, got.records); diff != "" {
				t.Fatalf("split at %d: records mismatch (-want +got):\n%s", i, diff)
			}
		}
	})
}

// splitAll feeds every chunk to a fresh splitter bounded to maxLine bytes.
func splitAll(maxLine int, parts ...string) []string {
	got := []string{}
	s := NewSplitter(SourceCombined, func(rec Record, _ error) bool {
		got = append(got, rec.Line)
		return true
	})
	s.maxLine = maxLine
	for _, p := range parts {
		_, _ = s.Write([]byte(p))
	}
	s.Flush()
	return got
}

func TestSplitterLongLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"FitsExactly", "abcd\n", []string{"abcd"}},
		{"SplitsLongLine", "abcdefghij\n", []string{"abcd", "efgh", "ij"}},
		{"CRLFNotCounted", "abcd\r\nxy\n", []string{"abcd", "xy"}},
		{"RuneBoundary", "\xc3\xa9\xc3\xa9\xc3\xa9\n", []string{"\u00e9\u00e9", "\u00e9"}},
		{"UnterminatedTail", "abcdefghij", []string{"abcd", "efgh", "ij"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitAll(4, tt.input))
			for i := 0; i <= len(tt.input); i++ {
				assert.Equal(t, tt.want, splitAll(4, tt.input[:i], tt.input[i:]), "split at %d", i)
			}
		})
	}
}

func TestSplitterBuffersAtMostMaxLine(t *testing.T) {
	s := NewSplitter(SourceStdout, func(Record, error) bool { return true })
	s.maxLine = 8

	for range 1000 {
		_, err := s.Write([]byte("no newline here "))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(s.buf), 8)
	}
}

func TestRecordsLineEndings(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"Empty", "", []string{}},
		{"SingleNewline", "\n", []string{""}},
		{"CRLF", "a\r\nb\r\n", []string{"a", "b"}},
		{"LoneCR", "a\rb\n", []string{"a\rb"}},
		{"TrailingPartial", "a\nb", []string{"a", "b"}},
		{"TrailingCR", "a\r", []string{"a\r"}},
		{"BlankLines", "a\n\n\nb\n", []string{"a", "", "", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := collect(strings.NewReader(tt.input), false)
			require.Empty(t, res.errs)
			assert.Equal(t, tt.want, lines(res.records))
		})
	}
}

func TestRecordsMultiplexed(t *testing.T) {
	var buf bytes.Buffer
	stdout := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)

	_, _ = stdout.Write([]byte("out1\nou"))
	_, _ = stderr.Write([]byte("err1\n"))
	_, _ = stdout.Write([]byte("t2\n"))
	_, _ = stderr.Write([]byte("partial"))

	res := collect(iotest.OneByteReader(&buf), true)

	require.Empty(t, res.errs)
	assert.Equal(t, []Record{
		{Line: "out1", Source: SourceStdout},
		{Line: "err1", Source: SourceStderr},
		{Line: "out2", Source: SourceStdout},
		{Line: "partial", Source: SourceStderr},
	}, res.records)
}

func TestRecordsInvalidUTF8(t *testing.T) {
	res := collect(chunks("ok\n", "bad \xff\xfe byte\n", "after\n"), false)

	require.Len(t, res.errs, 1)
	assert.ErrorIs(t, res.errs[0], sandbox.ErrDecode)
	assert.Equal(t, []string{"ok", "bad " + Replacement + " byte", "after"}, lines(res.records))
}

func TestRecordsMultiByteRuneAcrossChunks(t *testing.T) {
	// "é" is 0xC3 0xA9; a chunk boundary inside it must not produce a decode error.
	res := collect(chunks("caf\xc3", "\xa9\n"), false)

	require.Empty(t, res.errs)
	assert.Equal(t, []string{"café"}, lines(res.records))
}

func TestRecordsStreamError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	r := &chunkReader{chunks: [][]byte{[]byte("line1\nhalf")}, err: boom}

	res := collect(r, false)

	assert.Equal(t, []string{"line1", "half"}, lines(res.records))
	require.Len(t, res.errs, 1)
	assert.ErrorIs(t, res.errs[0], sandbox.ErrStream)
	assert.ErrorIs(t, res.errs[0], boom)
}

func TestRecordsEarlyBreak(t *testing.T) {
	r := strings.NewReader("a\nb\nc\nd\n")

	var got []string
	for rec, err := range Records(r, false) {
		require.NoError(t, err)
		got = append(got, rec.Line)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSplitter(t *testing.T) {
	t.Run("ZeroLengthWrite", func(t *testing.T) {
		var got []Record
		s := NewSplitter(SourceStdout, func(rec Record, _ error) bool {
			got = append(got, rec)
			return true
		})

		n, err := s.Write(nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = s.Write([]byte{})
		require.NoError(t, err)
		assert.Zero(t, n)

		assert.True(t, s.Flush())
		assert.Empty(t, got)
	})

	t.Run("StopsWhenConsumerStops", func(t *testing.T) {
		calls := 0
		s := NewSplitter(SourceStdout, func(Record, error) bool {
			calls++
			return false
		})

		_, err := s.Write([]byte("a\nb\n"))
		require.Error(t, err)
		assert.Equal(t, 1, calls)

		_, err = s.Write([]byte("c\n"))
		require.Error(t, err)
		assert.False(t, s.Flush())
		assert.Equal(t, 1, calls)
	})
}

func TestRecordString(t *testing.T) {
	assert.Equal(t, "[stderr] oops", Record{Line: "oops", Source: SourceStderr}.String())
}
