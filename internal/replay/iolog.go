// Reading fio iologs and replaying them against a Device.
package replay

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type OpKind uint8

const (
	Read	OpKind = iota
	Write
)

func (k OpKind) String() string {
	if k == Write { return "write" }
	return "read"
}

// Entry is one I/O line of an iolog.
type Entry struct {
	File	string
	Op		OpKind
	Off		uint64
	Len		uint64
}

// ParseLine understands both iolog v2 lines (`<file> <action> [<off> <len>]`) and v3
// lines, which carry a leading timestamp. ok is false for anything that isn't a read or
// a write: headers, add/open/close, trims, syncs and blank lines.
func ParseLine(line string) (e Entry, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 5 {
		if _, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			fields = fields[1:]
		}
	}
	if len(fields) != 4 { return Entry{}, false, nil }

	switch fields[1] {
	case "read":
		e.Op = Read
	case "write":
		e.Op = Write
	default:
		return Entry{}, false, nil
	}

	e.File = fields[0]
	if e.Off, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return Entry{}, false, errors.Wrapf(err, "offset %q", fields[2])
	}
	if e.Len, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return Entry{}, false, errors.Wrapf(err, "length %q", fields[3])
	}
	if e.Len == 0 {
		return Entry{}, false, errors.New("zero length")
	}
	return e, true, nil
}

// Source yields the I/O entries of an iolog in order.
type Source struct {
	sc		*bufio.Scanner
	line	int
	cur		Entry
	err		error
}

func NewSource(r io.Reader) *Source {
	return &Source{sc: bufio.NewScanner(r)}
}

// Next advances to the next I/O entry. It returns false at the end of the log or on
// the first malformed line, see Err.
func (s *Source) Next() bool {
	if s.err != nil { return false }
	for s.sc.Scan() {
		s.line++
		e, ok, err := ParseLine(s.sc.Text())
		if err != nil {
			s.err = errors.Wrapf(err, "iolog line %d", s.line)
			return false
		}
		if ok {
			s.cur = e
			return true
		}
	}
	s.err = s.sc.Err()
	return false
}

func (s *Source) Entry() Entry	{ return s.cur }
func (s *Source) Err() error	{ return s.err }
func (s *Source) Line() int		{ return s.line }
