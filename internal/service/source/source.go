// internal/service/source/source.go

package source

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"taxistream/internal/domain/stream"
)

// FieldReader is the parsing collaborator: it yields one pre-split record per
// call and io.EOF at the end. *csv.Reader satisfies it.
type FieldReader interface {
	Read() ([]string, error)
}

type sourceState int

const (
	stateReading sourceState = iota
	stateEnded
	stateFailed
)

// Source reads an ordered sequence of records from a FieldReader. Only one
// logical reader drives it; concurrent calls to Next are serialized.
type Source struct {
	reader FieldReader
	closer io.Closer
	seq    uint64
	state  sourceState
	mu     sync.Mutex
}

// Options configures how a file is parsed
type Options struct {
	// Comma is the field delimiter, ',' when zero
	Comma rune
	// SkipHeader drops the first line
	SkipHeader bool
}

// Open wraps a FieldReader
func Open(r FieldReader) *Source {
	return &Source{reader: r}
}

// OpenReader parses delimited text from r. Lines are separated by '\n'.
func OpenReader(r io.Reader, opts Options) (*Source, error) {
	csvr := csv.NewReader(r)
	csvr.FieldsPerRecord = -1
	if opts.Comma != 0 {
		csvr.Comma = opts.Comma
	}

	if opts.SkipHeader {
		if _, err := csvr.Read(); err != nil && !errors.Is(err, io.EOF) {
			return nil, &stream.SourceError{Line: 1, Err: fmt.Errorf("read header: %w", err)}
		}
	}

	return Open(csvr), nil
}

// OpenFile opens a trip file. Files ending in .gz are decompressed.
func OpenFile(path string, opts Options) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}

	var r io.Reader = bufio.NewReaderSize(f, 1<<20)
	closer := io.Closer(f)

	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			f.Close()
			return nil, &stream.SourceError{Err: fmt.Errorf("gzip header: %w", err)}
		}
		r = zr
		closer = multiCloser{zr, f}
	}

	s, err := OpenReader(r, opts)
	if err != nil {
		closer.Close()
		return nil, err
	}
	s.closer = closer

	return s, nil
}

// Next returns the next record. At the end of the stream it returns io.EOF
// exactly once; any later call returns stream.ErrProtocolViolation. Read and
// decoding failures return a *stream.SourceError and abandon the stream.
func (s *Source) Next() (stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReading {
		return stream.Record{}, stream.ErrProtocolViolation
	}

	fields, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		s.state = stateEnded
		return stream.Record{}, io.EOF
	}

	line := int64(s.seq + 1)
	if err != nil {
		s.state = stateFailed
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			line = int64(perr.Line)
		}
		return stream.Record{}, &stream.SourceError{Line: line, Err: err}
	}

	for i, f := range fields {
		if !utf8.ValidString(f) {
			s.state = stateFailed
			return stream.Record{}, &stream.SourceError{
				Line: line,
				Err:  fmt.Errorf("field %d is not valid UTF-8", i),
			}
		}
	}

	s.seq++
	return stream.NewRecord(s.seq, fields), nil
}

// Count returns the number of records read so far
func (s *Source) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close releases the underlying file, if any
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
