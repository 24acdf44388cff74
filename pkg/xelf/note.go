package xelf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Note name and description limits. Build id notes are tiny; anything
// bigger than this is either corrupt or not a note we care about.
const (
	noteNameLimit = 16
	noteDescLimit = 256
)

// noteScanner iterates over the note records of one SHT_NOTE section or
// PT_NOTE segment. The record layout is Elf64_Nhdr followed by the
// 4-byte-padded name and description.
type noteScanner struct {
	order binary.ByteOrder
	r     io.ReadSeeker

	typ  uint32
	name string
	desc []byte
	err  error
}

func newNoteScanner(order binary.ByteOrder, r io.ReadSeeker) *noteScanner {
	return &noteScanner{order: order, r: r}
}

func (s *noteScanner) Scan() bool {
	if s.err != nil {
		return false
	}

	err := s.scan()
	if errors.Is(err, io.EOF) {
		return false
	}
	if err != nil {
		s.err = fmt.Errorf("failed to decode ELF note: %w", err)
		return false
	}
	return true
}

func (s *noteScanner) Type() uint32 { return s.typ }
func (s *noteScanner) Name() string { return s.name }
func (s *noteScanner) Desc() []byte { return s.desc }
func (s *noteScanner) Err() error   { return s.err }

func (s *noteScanner) scan() error {
	var hdr struct {
		NameSize uint32
		DescSize uint32
		Type     uint32
	}
	if err := binary.Read(s.r, s.order, &hdr); err != nil {
		return err
	}
	if hdr.NameSize > noteNameLimit {
		return fmt.Errorf("note name size %d exceeds limit %d", hdr.NameSize, noteNameLimit)
	}
	if hdr.DescSize > noteDescLimit {
		return fmt.Errorf("note desc size %d exceeds limit %d", hdr.DescSize, noteDescLimit)
	}

	s.typ = hdr.Type

	// Names are null-terminated on disk; descriptions are exact-length
	// binary and may legitimately end in zero bytes.
	name, err := s.read(hdr.NameSize)
	if err != nil {
		return err
	}
	s.name = string(bytes.TrimRight(name, "\x00"))

	s.desc, err = s.read(hdr.DescSize)
	return err
}

func (s *noteScanner) read(size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, err
	}

	if pad := int64(size) % 4; pad != 0 {
		if _, err := s.r.Seek(4-pad, io.SeekCurrent); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
