package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Frames on disk are [length:4][crc:4][body], all little endian. The CRC
// covers the body only.
const frameHeaderSize = 8

// maxFrameSize bounds a single record; anything larger is corruption.
const maxFrameSize = 1 << 20

func writeFrame(w io.Writer, body []byte) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[4:], crc32.ChecksumIEEE(body))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame returns io.EOF at a clean end of stream and ErrCorruptRecord
// for torn or damaged frames.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: torn frame header", ErrCorruptRecord)
	}
	size := binary.LittleEndian.Uint32(header[:4])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d", ErrCorruptRecord, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: torn frame body", ErrCorruptRecord)
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(header[4:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return body, nil
}
