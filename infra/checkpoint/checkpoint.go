// Package checkpoint persists a point-in-time image of one symbol's open
// orders so the change log can be truncated behind it. A checkpoint plus
// the log tail after its sequence number rebuilds the same book as a full
// replay from sequence zero.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrCorrupt marks a checkpoint file whose length, checksum or body
// cannot be decoded. A corrupt checkpoint is discarded and recovery
// falls back to full log replay.
var ErrCorrupt = errors.New("checkpoint: corrupt file")

// OrderRecord is one open order inside a checkpoint. Price and quantity
// fields carry the codec string form used by change records so restored
// state is bit-identical to replayed state.
type OrderRecord struct {
	ID     uint64
	UserID uint64
	Side   string
	Type   string
	Price  string
	Qty    string
	Filled string
	Status string
	Time   int64
}

// Snapshot is a symbol's book image at Seq. Orders hold every non-terminal
// order, level by level in price order, FIFO within a level. LastPrice is
// empty when the symbol has not traded yet.
type Snapshot struct {
	Symbol    string
	Seq       uint64
	Time      int64
	LastPrice string
	Orders    []OrderRecord
}

const fileHeaderSize = 8

// Write persists s at path atomically: the image lands in a temp file in
// the same directory and replaces any previous checkpoint by rename.
func Write(path string, s *Snapshot) error {
	body := encodeSnapshot(s)
	var header [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[4:], crc32.ChecksumIEEE(body))

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(header[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint at path. A missing file is not an error and
// returns a nil snapshot.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	if len(raw) < fileHeaderSize {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	size := binary.LittleEndian.Uint32(raw[:4])
	body := raw[fileHeaderSize:]
	if uint32(len(body)) != size {
		return nil, fmt.Errorf("%w: body size %d, header says %d", ErrCorrupt, len(body), size)
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(raw[4:8]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return decodeSnapshot(body)
}
