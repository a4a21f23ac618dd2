package exports

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Dialect is the (delimiter, quote) pair governing CSV serialization.
type Dialect struct {
	Delimiter rune
	Quote     rune
}

// Validate rejects dialects the encoder cannot serialize unambiguously.
func (d Dialect) Validate() error {
	if d.Delimiter == d.Quote {
		return fmt.Errorf("delimiter and quoteChar must differ, both are %q", string(d.Delimiter))
	}
	if !utf8.ValidRune(d.Delimiter) || d.Delimiter == utf8.RuneError {
		return fmt.Errorf("invalid delimiter")
	}
	if !utf8.ValidRune(d.Quote) || d.Quote == utf8.RuneError {
		return fmt.Errorf("invalid quoteChar")
	}
	if d.Delimiter == '\n' || d.Delimiter == '\r' || d.Quote == '\n' || d.Quote == '\r' {
		return fmt.Errorf("delimiter and quoteChar must not be line terminators")
	}
	return nil
}

// Record maps column names to rendered field values. Missing keys are
// emitted as empty fields.
type Record = map[string]string

// Encoder serializes records as RFC-4180-style CSV with a configurable
// dialect. It holds at most one rendered line in memory; every write goes
// straight to the downstream writer.
//
// The standard encoding/csv writer is not used because it hardwires '"' as
// the quote character, and this encoder must honor a caller-chosen one.
type Encoder struct {
	w       io.Writer
	columns []string
	dialect Dialect
	line    []byte
}

// NewEncoder creates an encoder for the given ordered column list. The
// dialect must already be validated; Validate is re-run defensively.
func NewEncoder(w io.Writer, columns []string, dialect Dialect) (*Encoder, error) {
	if err := dialect.Validate(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("encoder requires at least one column")
	}
	return &Encoder{
		w:       w,
		columns: columns,
		dialect: dialect,
	}, nil
}

// WriteHeader emits the header line. Column names are always quoted.
func (e *Encoder) WriteHeader() error {
	e.line = e.line[:0]
	for i, col := range e.columns {
		if i > 0 {
			e.line = utf8.AppendRune(e.line, e.dialect.Delimiter)
		}
		e.appendQuoted(col)
	}
	e.line = append(e.line, '\n')
	_, err := e.w.Write(e.line)
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// WriteRecord emits one data line with fields in column order. A field is
// quoted when it contains the delimiter, the quote character, or a line
// terminator; an embedded quote inside a quoted field is doubled.
func (e *Encoder) WriteRecord(rec Record) error {
	e.line = e.line[:0]
	for i, col := range e.columns {
		if i > 0 {
			e.line = utf8.AppendRune(e.line, e.dialect.Delimiter)
		}
		value := rec[col]
		if e.needsQuoting(value) {
			e.appendQuoted(value)
		} else {
			e.line = append(e.line, value...)
		}
	}
	e.line = append(e.line, '\n')
	_, err := e.w.Write(e.line)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (e *Encoder) needsQuoting(value string) bool {
	if strings.ContainsRune(value, e.dialect.Delimiter) || strings.ContainsRune(value, e.dialect.Quote) {
		return true
	}
	return strings.ContainsAny(value, "\n\r")
}

func (e *Encoder) appendQuoted(value string) {
	e.line = utf8.AppendRune(e.line, e.dialect.Quote)
	for _, r := range value {
		if r == e.dialect.Quote {
			e.line = utf8.AppendRune(e.line, r)
		}
		e.line = utf8.AppendRune(e.line, r)
	}
	e.line = utf8.AppendRune(e.line, e.dialect.Quote)
}
