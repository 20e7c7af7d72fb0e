package wal

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
)

const indexFile = "wal_index.json"

// SegmentInfo is the metadata line written for each sealed segment.
type SegmentInfo struct {
	File      string `json:"file"`
	FirstSeq  uint64 `json:"first_seq"`
	LastSeq   uint64 `json:"last_seq"`
	Timestamp string `json:"timestamp"`
}

func appendIndexEntry(dir string, e SegmentInfo) error {
	f, err := os.OpenFile(filepath.Join(dir, indexFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func loadIndex(dir string) ([]SegmentInfo, error) {
	b, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []SegmentInfo
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e SegmentInfo
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func rewriteIndex(dir string, entries []SegmentInfo) error {
	var buf bytes.Buffer
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(dir, indexFile), buf.Bytes(), 0o644)
}
