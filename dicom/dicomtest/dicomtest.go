// Package dicomtest builds small DICOM files in memory for tests. The
// builder writes real files: a preamble, the DICM marker, a file meta
// group declaring the transfer syntax, and then data elements encoded per
// that syntax. It is not a general purpose writer; for example, values
// longer than 65534 bytes in the short header form are not supported.
package dicomtest

import (
	"bytes"
	"encoding/binary"
)

// Transfer syntax UIDs understood by the builder. Any other UID is written
// to the file meta group as given, and the data set is encoded explicit
// little endian.
const (
	ImplicitLittle = "1.2.840.10008.1.2"
	ExplicitLittle = "1.2.840.10008.1.2.1"
	ExplicitBig    = "1.2.840.10008.1.2.2"
)

// A Builder accumulates data elements and renders them as a DICOM file.
// Elements appear in the file in the order they were added; the builder
// does not sort them.
type Builder struct {
	buf      bytes.Buffer
	bo       binary.ByteOrder
	implicit bool
	syntax   string
}

// New returns a Builder producing a file with the given transfer syntax.
func New(syntax string) *Builder {
	b := &Builder{bo: binary.LittleEndian, syntax: syntax}
	switch syntax {
	case ImplicitLittle:
		b.implicit = true
	case ExplicitBig:
		b.bo = binary.BigEndian
	}
	return b
}

// Element appends a data element. The value is written as given; callers
// wanting DICOM-conformant files should pass even length values or use
// String.
func (b *Builder) Element(group, elem uint16, vr string, value []byte) *Builder {
	writeTag(&b.buf, b.bo, group, elem)
	if b.implicit {
		writeUint32(&b.buf, b.bo, uint32(len(value)))
	} else {
		b.buf.WriteString(vr)
		if longVR(vr) {
			b.buf.Write([]byte{0, 0})
			writeUint32(&b.buf, b.bo, uint32(len(value)))
		} else {
			writeUint16(&b.buf, b.bo, uint16(len(value)))
		}
	}
	b.buf.Write(value)
	return b
}

// String appends a string element, padded to an even length the way DICOM
// requires. UI values pad with NUL, everything else with a space.
func (b *Builder) String(group, elem uint16, vr, value string) *Builder {
	v := []byte(value)
	if len(v)%2 == 1 {
		pad := byte(' ')
		if vr == "UI" {
			pad = 0
		}
		v = append(v, pad)
	}
	return b.Element(group, elem, vr, v)
}

// Instance appends the two attributes every instance must carry: the SOP
// instance UID and the modality.
func (b *Builder) Instance(sopUID, modality string) *Builder {
	b.String(0x0008, 0x0018, "UI", sopUID)
	return b.String(0x0008, 0x0060, "CS", modality)
}

// BeginSequence starts an undefined length sequence element. Close it with
// EndSequence.
func (b *Builder) BeginSequence(group, elem uint16) *Builder {
	writeTag(&b.buf, b.bo, group, elem)
	if !b.implicit {
		b.buf.WriteString("SQ")
		b.buf.Write([]byte{0, 0})
	}
	writeUint32(&b.buf, b.bo, 0xFFFFFFFF)
	return b
}

// BeginItem starts an undefined length item inside a sequence. Close it
// with EndItem. Elements added in between belong to the item.
func (b *Builder) BeginItem() *Builder {
	writeTag(&b.buf, b.bo, 0xFFFE, 0xE000)
	writeUint32(&b.buf, b.bo, 0xFFFFFFFF)
	return b
}

// EndItem closes an undefined length item.
func (b *Builder) EndItem() *Builder {
	writeTag(&b.buf, b.bo, 0xFFFE, 0xE00D)
	writeUint32(&b.buf, b.bo, 0)
	return b
}

// Item appends a defined length item holding raw bytes. Readers may skip
// it without parsing the contents.
func (b *Builder) Item(raw []byte) *Builder {
	writeTag(&b.buf, b.bo, 0xFFFE, 0xE000)
	writeUint32(&b.buf, b.bo, uint32(len(raw)))
	b.buf.Write(raw)
	return b
}

// EndSequence closes an undefined length sequence.
func (b *Builder) EndSequence() *Builder {
	writeTag(&b.buf, b.bo, 0xFFFE, 0xE0DD)
	writeUint32(&b.buf, b.bo, 0)
	return b
}

// Bytes renders the file.
func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")

	// The file meta group is always explicit little endian, regardless of
	// the data set encoding.
	le := binary.LittleEndian
	var meta bytes.Buffer
	uid := []byte(b.syntax)
	if len(uid)%2 == 1 {
		uid = append(uid, 0)
	}
	writeTag(&meta, le, 0x0002, 0x0010)
	meta.WriteString("UI")
	writeUint16(&meta, le, uint16(len(uid)))
	meta.Write(uid)

	writeTag(&out, le, 0x0002, 0x0000)
	out.WriteString("UL")
	writeUint16(&out, le, 4)
	writeUint32(&out, le, uint32(meta.Len()))
	out.Write(meta.Bytes())

	out.Write(b.buf.Bytes())
	return out.Bytes()
}

// File returns a minimal valid file: the two required attributes encoded
// with the given transfer syntax.
func File(syntax, sopUID, modality string) []byte {
	return New(syntax).Instance(sopUID, modality).Bytes()
}

func writeTag(w *bytes.Buffer, bo binary.ByteOrder, group, elem uint16) {
	writeUint16(w, bo, group)
	writeUint16(w, bo, elem)
}

func writeUint16(w *bytes.Buffer, bo binary.ByteOrder, v uint16) {
	var tmp [2]byte
	bo.PutUint16(tmp[:], v)
	w.Write(tmp[:])
}

func writeUint32(w *bytes.Buffer, bo binary.ByteOrder, v uint32) {
	var tmp [4]byte
	bo.PutUint32(tmp[:], v)
	w.Write(tmp[:])
}

func longVR(vr string) bool {
	switch vr {
	case "OB", "OF", "OW", "SQ", "UN", "UT":
		return true
	}
	return false
}
