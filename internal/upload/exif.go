package upload

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/alexjbarnes/photo-uploader/internal/state"
)

const (
	markerSOI  = 0xD8
	markerSOS  = 0xDA
	markerEOI  = 0xD9
	markerAPP1 = 0xE1

	// tagGPSInfo is the IFD0 pointer to the GPS sub-IFD.
	tagGPSInfo = 0x8825

	// maxEXIFSegment is the largest APP1 payload read into memory.
	maxEXIFSegment = 64 * 1024
)

var exifHeader = []byte("Exif\x00\x00")

// ProbeGPS reports whether the JPEG at path carries GPS metadata. Files
// that are not JPEG, or cannot be parsed, report GPSUnknown.
func ProbeGPS(path string) state.GPSPresence {
	f, err := os.Open(path)
	if err != nil {
		return state.GPSUnknown
	}
	defer f.Close()

	return probeGPS(bufio.NewReader(f))
}

func probeGPS(r *bufio.Reader) state.GPSPresence {
	var soi [2]byte
	if _, err := io.ReadFull(r, soi[:]); err != nil || soi[0] != 0xFF || soi[1] != markerSOI {
		return state.GPSUnknown
	}

	for {
		marker, err := nextMarker(r)
		if err != nil {
			return state.GPSUnknown
		}

		if marker == markerSOS || marker == markerEOI {
			// Image data reached without an Exif block.
			return state.GPSAbsent
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return state.GPSUnknown
		}

		size := int(binary.BigEndian.Uint16(lenBuf[:])) - 2
		if size < 0 {
			return state.GPSUnknown
		}

		if marker != markerAPP1 || size > maxEXIFSegment {
			if _, err := r.Discard(size); err != nil {
				return state.GPSUnknown
			}

			continue
		}

		seg := make([]byte, size)
		if _, err := io.ReadFull(r, seg); err != nil {
			return state.GPSUnknown
		}

		if !bytes.HasPrefix(seg, exifHeader) {
			// XMP also lives in APP1.
			continue
		}

		present, err := tiffHasGPS(seg[len(exifHeader):])
		if err != nil {
			return state.GPSUnknown
		}

		if present {
			return state.GPSPresent
		}

		return state.GPSAbsent
	}
}

// nextMarker skips fill bytes and returns the next marker code.
func nextMarker(r *bufio.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}

	if b != 0xFF {
		return 0, errors.New("expected marker")
	}

	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}

		if b != 0xFF {
			return b, nil
		}
	}
}

// tiffHasGPS scans IFD0 of a TIFF structure for the GPS IFD pointer.
func tiffHasGPS(tiff []byte) (bool, error) {
	if len(tiff) < 8 {
		return false, errors.New("short tiff header")
	}

	var order binary.ByteOrder

	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return false, errors.New("bad byte order")
	}

	if order.Uint16(tiff[2:4]) != 42 {
		return false, errors.New("bad tiff magic")
	}

	off := int(order.Uint32(tiff[4:8]))
	if off < 8 || off+2 > len(tiff) {
		return false, errors.New("ifd0 out of range")
	}

	count := int(order.Uint16(tiff[off : off+2]))
	entries := tiff[off+2:]

	for i := range count {
		e := i * 12
		if e+12 > len(entries) {
			return false, errors.New("truncated ifd0")
		}

		if order.Uint16(entries[e:e+2]) == tagGPSInfo {
			return true, nil
		}
	}

	return false, nil
}
