package encode

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xxmjskxx/metasave/internal/apperr"
)

// maxSegmentPayload is the hard JPEG segment ceiling: a two-byte length
// field covering itself leaves 65533 bytes.
const maxSegmentPayload = 65533

// TIFF tags used in the single assembled EXIF segment.
const (
	tagImageDescription = 0x010E // workflow graph JSON, full stage only
	tagSoftware         = 0x0131
	tagExifIFDPointer   = 0x8769
	tagUserComment      = 0x9286

	typeASCII     = 2
	typeLong      = 4
	typeUndefined = 7
)

// BuildEXIF assembles one little-endian EXIF APP1 payload: IFD0 carrying
// the software stamp and (optionally) the workflow JSON, plus an Exif
// sub-IFD holding the parameter string as an ASCII-prefixed UserComment.
//
// The returned bytes are the full APP1 payload including the "Exif\0\0"
// header, ready for a size check against the configured ceiling. A payload
// that cannot fit any JPEG segment returns ErrEncoderRejected.
func BuildEXIF(workflowJSON, parameters, software string) ([]byte, error) {
	type entry struct {
		tag   uint16
		typ   uint16
		count uint32
		value []byte // raw value bytes, padded/pointed as needed
	}

	asciiValue := func(s string) []byte { return append([]byte(s), 0) }

	userComment := append([]byte("ASCII\x00\x00\x00"), parameters...)

	var ifd0 []entry
	if workflowJSON != "" {
		ifd0 = append(ifd0, entry{tagImageDescription, typeASCII, uint32(len(workflowJSON) + 1), asciiValue(workflowJSON)})
	}
	if software != "" {
		ifd0 = append(ifd0, entry{tagSoftware, typeASCII, uint32(len(software) + 1), asciiValue(software)})
	}
	exifIFD := []entry{
		{tagUserComment, typeUndefined, uint32(len(userComment)), userComment},
	}

	// Layout: header(8) | IFD0 | IFD0 overflow | ExifIFD | Exif overflow.
	ifdSize := func(entries []entry) uint32 {
		return 2 + uint32(len(entries))*12 + 4
	}
	overflow := func(entries []entry) uint32 {
		var n uint32
		for _, e := range entries {
			if len(e.value) > 4 {
				n += uint32(len(e.value))
				if n%2 == 1 {
					n++
				}
			}
		}
		return n
	}

	ifd0WithPointer := append(ifd0, entry{tagExifIFDPointer, typeLong, 1, nil})
	ifd0Start := uint32(8)
	ifd0End := ifd0Start + ifdSize(ifd0WithPointer)
	ifd0OverflowEnd := ifd0End + overflow(ifd0WithPointer)
	exifStart := ifd0OverflowEnd
	exifEnd := exifStart + ifdSize(exifIFD)

	var tiff bytes.Buffer
	tiff.WriteString("II")
	binary.Write(&tiff, binary.LittleEndian, uint16(42))
	binary.Write(&tiff, binary.LittleEndian, ifd0Start)

	writeIFD := func(entries []entry, overflowStart uint32, pointerValue uint32) {
		binary.Write(&tiff, binary.LittleEndian, uint16(len(entries)))
		next := overflowStart
		var spill []byte
		for _, e := range entries {
			binary.Write(&tiff, binary.LittleEndian, e.tag)
			binary.Write(&tiff, binary.LittleEndian, e.typ)
			binary.Write(&tiff, binary.LittleEndian, e.count)
			switch {
			case e.tag == tagExifIFDPointer:
				binary.Write(&tiff, binary.LittleEndian, pointerValue)
			case len(e.value) <= 4:
				var word [4]byte
				copy(word[:], e.value)
				tiff.Write(word[:])
			default:
				binary.Write(&tiff, binary.LittleEndian, next)
				spill = append(spill, e.value...)
				next += uint32(len(e.value))
				if next%2 == 1 {
					spill = append(spill, 0)
					next++
				}
			}
		}
		binary.Write(&tiff, binary.LittleEndian, uint32(0)) // no next IFD
		tiff.Write(spill)
	}

	writeIFD(ifd0WithPointer, ifd0End, exifStart)
	writeIFD(exifIFD, exifEnd, 0)

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	if len(payload) > maxSegmentPayload-2 {
		return nil, fmt.Errorf("%w: exif payload %d bytes exceeds segment ceiling", apperr.ErrEncoderRejected, len(payload))
	}
	return payload, nil
}
