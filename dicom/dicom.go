// Package dicom extracts identifying attributes from DICOM files without
// decoding them. Only the container structure is parsed: the preamble, the
// file meta group, and the data element stream. Element values are skipped,
// not decoded, apart from the handful of attributes the archive needs to
// file an image. This keeps scanning cheap even for multi-megabyte
// instances with the interesting attributes near the front.
//
// The scanner understands both explicit and implicit value representations
// and both byte orders. Files using any other transfer syntax (for example
// the encapsulated JPEG syntaxes) are read as explicit little endian, which
// is how those syntaxes encode their data sets.
package dicom

import (
	"encoding/binary"
	"errors"
)

// Attributes holds the identifying fields pulled from a DICOM instance.
// SOPInstanceUID and Modality are always present after a successful scan.
// Everything else is optional and left empty when the file omits it.
type Attributes struct {
	SOPInstanceUID    string
	Modality          string
	StudyDate         string
	StudyDescription  string
	SeriesDescription string
	PatientName       string
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	InstanceNumber    string
}

// The three uncompressed transfer syntaxes.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// ErrNotDICOM means the buffer is missing the "DICM" marker, so it is
// either not a DICOM file or uses the headerless form we do not accept.
var ErrNotDICOM = errors.New("missing DICM marker")

// A MissingAttributeError is returned when the data set ran out before a
// required attribute was seen.
type MissingAttributeError struct {
	Name string // the DICOM keyword, e.g. "SOPInstanceUID"
}

func (e MissingAttributeError) Error() string {
	return "required attribute " + e.Name + " not present"
}

const (
	preambleSize = 128
	magic        = "DICM"
)

// Scan reads just enough of data to fill in Attributes. It is
// deterministic and has no side effects, so scanning the same bytes twice
// gives the same result. Running out of data mid-element is not an error
// by itself; the scan fails only if a required attribute is still missing
// when the data ends.
func Scan(data []byte) (Attributes, error) {
	var attrs Attributes
	if len(data) < preambleSize+len(magic) ||
		string(data[preambleSize:preambleSize+len(magic)]) != magic {
		return attrs, ErrNotDICOM
	}
	s := scanner{
		data: data,
		pos:  preambleSize + len(magic),
		bo:   binary.LittleEndian,
	}
	// The file meta group is always explicit little endian. It tells us
	// how the data set after it is encoded.
	switch s.fileMeta() {
	case ImplicitVRLittleEndian:
		s.implicit = true
	case ExplicitVRBigEndian:
		s.bo = binary.BigEndian
	}
	s.scan(&attrs)
	switch {
	case attrs.SOPInstanceUID == "":
		return attrs, MissingAttributeError{Name: "SOPInstanceUID"}
	case attrs.Modality == "":
		return attrs, MissingAttributeError{Name: "Modality"}
	}
	return attrs, nil
}

type scanner struct {
	data     []byte
	pos      int
	bo       binary.ByteOrder
	implicit bool
}

// Tags with structural meaning inside sequences. Their headers are always
// a tag followed by a 32 bit length, with no VR, even in explicit files.
const (
	tagItem              = 0xFFFEE000
	tagItemDelimiter     = 0xFFFEE00D
	tagSequenceDelimiter = 0xFFFEE0DD
)

const undefinedLength = 0xFFFFFFFF

// fileMeta walks the group 0002 elements and returns the transfer syntax
// UID, or "" if there wasn't one. The cursor is left at the first data set
// element.
func (s *scanner) fileMeta() string {
	var syntax string
	for s.pos+8 <= len(s.data) {
		if s.bo.Uint16(s.data[s.pos:]) != 0x0002 {
			break
		}
		tag, vlen, ok := s.headerExplicit()
		if !ok || vlen == undefinedLength || s.pos+int(vlen) > len(s.data) {
			s.pos = len(s.data)
			break
		}
		if tag == tagTransferSyntaxUID {
			syntax = trimPadding(s.data[s.pos : s.pos+int(vlen)])
		}
		s.pos += int(vlen)
	}
	return syntax
}

// scan walks the data set, capturing wanted values and skipping everything
// else. It stops once every wanted attribute has been seen, so a file with
// all of them near the front is never read past that point.
func (s *scanner) scan(attrs *Attributes) {
	remaining := len(wantedTags)
	seen := make(map[uint32]bool, len(wantedTags))
	for s.pos < len(s.data) && remaining > 0 {
		tag, vlen, ok := s.header()
		if !ok || tag>>16 == 0xFFFE {
			// an item tag outside a sequence means we lost sync
			return
		}
		if vlen == undefinedLength {
			if !s.skipUndefined() {
				return
			}
			continue
		}
		if s.pos+int(vlen) > len(s.data) {
			// truncated value
			return
		}
		if assign, found := wantedTags[tag]; found && !seen[tag] {
			seen[tag] = true
			remaining--
			*assign(attrs) = trimPadding(s.data[s.pos : s.pos+int(vlen)])
		}
		s.pos += int(vlen)
	}
}

func (s *scanner) header() (uint32, uint32, bool) {
	if s.implicit {
		return s.headerImplicit()
	}
	return s.headerExplicit()
}

// headerExplicit reads an explicit VR element header at the cursor,
// returning the composed tag and the value length. The cursor is advanced
// past the header. ok is false when the data is too short to hold one.
func (s *scanner) headerExplicit() (tag uint32, vlen uint32, ok bool) {
	if s.pos+8 > len(s.data) {
		s.pos = len(s.data)
		return 0, 0, false
	}
	tag = s.tagAt(s.pos)
	vr := string(s.data[s.pos+4 : s.pos+6])
	if longValueVR(vr) {
		// two reserved bytes, then a 32 bit length
		if s.pos+12 > len(s.data) {
			s.pos = len(s.data)
			return 0, 0, false
		}
		vlen = s.bo.Uint32(s.data[s.pos+8:])
		s.pos += 12
	} else {
		vlen = uint32(s.bo.Uint16(s.data[s.pos+6:]))
		s.pos += 8
	}
	return tag, vlen, true
}

func (s *scanner) headerImplicit() (tag uint32, vlen uint32, ok bool) {
	if s.pos+8 > len(s.data) {
		s.pos = len(s.data)
		return 0, 0, false
	}
	tag = s.tagAt(s.pos)
	vlen = s.bo.Uint32(s.data[s.pos+4:])
	s.pos += 8
	return tag, vlen, true
}

func (s *scanner) tagAt(pos int) uint32 {
	return uint32(s.bo.Uint16(s.data[pos:]))<<16 |
		uint32(s.bo.Uint16(s.data[pos+2:]))
}

// skipUndefined moves the cursor past an undefined length value: a run of
// items ending with a sequence delimiter. Defined length items are skipped
// blindly. Undefined length items must be walked element by element, since
// that is the only way to find their end. Returns false when the data ends
// before the sequence is closed, or the item structure is broken.
func (s *scanner) skipUndefined() bool {
	for s.pos+8 <= len(s.data) {
		tag := s.tagAt(s.pos)
		vlen := s.bo.Uint32(s.data[s.pos+4:])
		s.pos += 8
		switch {
		case tag == tagSequenceDelimiter:
			return true
		case tag != tagItem:
			return false
		case vlen == undefinedLength:
			if !s.skipItem() {
				return false
			}
		default:
			s.pos += int(vlen)
			if s.pos > len(s.data) {
				return false
			}
		}
	}
	return false
}

// skipItem walks the elements of an undefined length item until the item
// delimiter. Elements here are ordinary data set elements and may
// themselves be sequences, so this recurses with skipUndefined.
func (s *scanner) skipItem() bool {
	for s.pos+8 <= len(s.data) {
		if s.tagAt(s.pos) == tagItemDelimiter {
			s.pos += 8
			return true
		}
		_, vlen, ok := s.header()
		if !ok {
			return false
		}
		if vlen == undefinedLength {
			if !s.skipUndefined() {
				return false
			}
			continue
		}
		s.pos += int(vlen)
		if s.pos > len(s.data) {
			return false
		}
	}
	return false
}
