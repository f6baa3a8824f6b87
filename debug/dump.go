package debug

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc8"
)

var (
	ErrFormat   = errors.New("invalid dump format")
	ErrChecksum = errors.New("dump checksum mismatch")
)

var dumpCRC8 = crc8.MakeTable(crc8.Params{Poly: 0x07, Init: 0x00, RefIn: false, RefOut: false, XorOut: 0x00, Check: 0xF4, Name: "CRC-8"})

// Field is a single named register or counter value in a Record.
type Field struct {
	Name  string
	Value uint32
}

// Record is a snapshot of encoder and hardware state, captured when the
// display pipeline misbehaves.  Dumps may be cut short if the system goes
// down while writing them, so each one ends with a checksum line.
type Record struct {
	Reason string
	Fields []Field
}

func NewRecord(reason string) *Record {
	return &Record{Reason: reason}
}

func (r *Record) Add(name string, v uint32) {
	r.Fields = append(r.Fields, Field{name, v})
}

func (r *Record) AddBool(name string, b bool) {
	var v uint32
	if b {
		v = 1
	}
	r.Add(name, v)
}

// WriteTo writes the record as text, one field per line, followed by a CRC-8
// line covering everything before it.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "dump %q\n", r.Reason)
	for _, f := range r.Fields {
		fmt.Fprintf(&b, "%s 0x%08x\n", f.Name, f.Value)
	}
	fmt.Fprintf(&b, "crc8 0x%02x\n", checksum(b.Bytes()))
	return b.WriteTo(w)
}

// Verify checks that p holds a complete dump as written by Record.WriteTo.
func Verify(p []byte) error {
	p = bytes.TrimSuffix(p, []byte("\n"))
	idx := bytes.LastIndexByte(p, '\n')
	if idx < 0 || !bytes.HasPrefix(p, []byte("dump ")) {
		return ErrFormat
	}

	var csum uint8
	if _, err := fmt.Sscanf(string(p[idx+1:]), "crc8 0x%02x", &csum); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if csum != checksum(p[:idx+1]) {
		return ErrChecksum
	}
	return nil
}

func checksum(p []byte) uint8 {
	csum := crc8.Init(dumpCRC8)
	csum = crc8.Update(csum, p, dumpCRC8)
	return crc8.Complete(csum, dumpCRC8)
}
