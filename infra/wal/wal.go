// Package wal persists the change-record stream as CRC-framed protobuf
// records in size/age-rotated segment files. The log is the recovery seam:
// replaying it from empty rebuilds every book's state.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fenrir/domain/changelog"
)

const currentSegment = "current.wal"

// Config controls segment rotation and background flushing.
type Config struct {
	Dir             string
	SegmentSize     uint64        // bytes before a segment is sealed
	SegmentDuration time.Duration // max segment age before sealing
	FlushInterval   time.Duration // background fsync cadence, 0 disables
}

func (c *Config) applyDefaults() {
	if c.SegmentSize == 0 {
		c.SegmentSize = 64 << 20
	}
	if c.SegmentDuration == 0 {
		c.SegmentDuration = time.Hour
	}
}

// Log is an append-only segmented change-record log. Append is safe for
// one writer; Replay and TruncateBefore may run concurrently with it.
type Log struct {
	cfg Config

	mu              sync.Mutex
	file            *os.File
	w               *bufio.Writer
	segmentID       int
	segmentStartSeq uint64
	lastSeq         uint64
	bytesWritten    uint64
	rotatedAt       time.Time
	closed          bool

	done chan struct{}
}

// Open attaches to the log directory, recovering sequence state from the
// segment index and the current segment's tail. A torn tail left by a
// crash is truncated to the last complete frame.
func Open(cfg Config) (*Log, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	l := &Log{cfg: cfg, rotatedAt: time.Now(), done: make(chan struct{})}

	index, err := loadIndex(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if n := len(index); n > 0 {
		fmt.Sscanf(index[n-1].File, "%d.wal", &l.segmentID)
		l.lastSeq = index[n-1].LastSeq
	}
	l.segmentStartSeq = l.lastSeq + 1

	if err := l.recoverCurrent(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(cfg.Dir, currentSegment), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.w = bufio.NewWriterSize(f, 1<<20)

	if cfg.FlushInterval > 0 {
		go l.flushLoop()
	}
	return l, nil
}

// recoverCurrent scans the unsealed segment, advancing lastSeq past every
// complete frame and truncating anything after the last good one.
func (l *Log) recoverCurrent() error {
	path := filepath.Join(l.cfg.Dir, currentSegment)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset uint64
	for {
		body, err := readFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("[wal] truncating torn tail of %s at byte %d: %v", currentSegment, offset, err)
			l.bytesWritten = offset
			return os.Truncate(path, int64(offset))
		}
		e, err := DecodeEntry(body)
		if err != nil {
			log.Printf("[wal] truncating undecodable tail of %s at byte %d: %v", currentSegment, offset, err)
			l.bytesWritten = offset
			return os.Truncate(path, int64(offset))
		}
		l.lastSeq = e.Seq
		offset += frameHeaderSize + uint64(len(body))
	}
	l.bytesWritten = offset
	return nil
}

// Append writes one change record. Records must arrive with strictly
// increasing sequence numbers. Append satisfies changelog.Sink.
func (l *Log) Append(e *changelog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("wal: closed")
	}
	if e.Seq <= l.lastSeq {
		return fmt.Errorf("%w: seq %d after %d", changelog.ErrReplay, e.Seq, l.lastSeq)
	}

	body := EncodeEntry(e)
	frameSize := frameHeaderSize + uint64(len(body))
	if l.bytesWritten > 0 &&
		(l.bytesWritten+frameSize >= l.cfg.SegmentSize || time.Since(l.rotatedAt) >= l.cfg.SegmentDuration) {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	if err := writeFrame(l.w, body); err != nil {
		return err
	}
	l.lastSeq = e.Seq
	l.bytesWritten += frameSize
	return nil
}

// LastSeq returns the sequence number of the newest accepted record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Sync flushes buffered frames and fsyncs the current segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close flushes and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Replay streams every durable record in sequence order. A sequence that
// does not strictly increase fails with a replay error; the caller treats
// that as fatal for the affected books. fn errors abort the walk.
func (l *Log) Replay(fn func(*changelog.Entry) error) error {
	l.mu.Lock()
	if !l.closed {
		if err := l.syncLocked(); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	index, err := loadIndex(l.cfg.Dir)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	var last uint64
	for _, seg := range index {
		if err := l.replaySegment(filepath.Join(l.cfg.Dir, seg.File), false, &last, fn); err != nil {
			return err
		}
	}
	return l.replaySegment(filepath.Join(l.cfg.Dir, currentSegment), true, &last, fn)
}

// replaySegment reads one segment. tolerateTail permits a torn frame at
// the end of the unsealed segment only.
func (l *Log) replaySegment(path string, tolerateTail bool, last *uint64, fn func(*changelog.Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		body, err := readFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if tolerateTail {
				log.Printf("[wal] stopping replay at torn tail of %s: %v", filepath.Base(path), err)
				return nil
			}
			return fmt.Errorf("segment %s: %w", filepath.Base(path), err)
		}
		e, err := DecodeEntry(body)
		if err != nil {
			return fmt.Errorf("segment %s: %w", filepath.Base(path), err)
		}
		if e.Seq <= *last {
			return fmt.Errorf("%w: seq %d after %d in %s", changelog.ErrReplay, e.Seq, *last, filepath.Base(path))
		}
		*last = e.Seq
		if err := fn(e); err != nil {
			return err
		}
	}
}

// TruncateBefore removes sealed segments whose records all precede seq.
// The unsealed segment is never removed.
func (l *Log) TruncateBefore(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, err := loadIndex(l.cfg.Dir)
	if err != nil {
		return err
	}
	kept := make([]SegmentInfo, 0, len(index))
	for _, seg := range index {
		if seg.LastSeq < seq {
			if err := os.Remove(filepath.Join(l.cfg.Dir, seg.File)); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		kept = append(kept, seg)
	}
	if len(kept) == len(index) {
		return nil
	}
	return rewriteIndex(l.cfg.Dir, kept)
}

func (l *Log) rotate() error {
	if err := l.syncLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}

	l.segmentID++
	sealed := fmt.Sprintf("%06d.wal", l.segmentID)
	if err := os.Rename(filepath.Join(l.cfg.Dir, currentSegment), filepath.Join(l.cfg.Dir, sealed)); err != nil {
		return err
	}
	if err := appendIndexEntry(l.cfg.Dir, SegmentInfo{
		File:      sealed,
		FirstSeq:  l.segmentStartSeq,
		LastSeq:   l.lastSeq,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, currentSegment), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.w = bufio.NewWriterSize(f, 1<<20)
	l.segmentStartSeq = l.lastSeq + 1
	l.bytesWritten = 0
	l.rotatedAt = time.Now()
	log.Printf("[wal] sealed segment %s through seq %d", sealed, l.lastSeq)
	return nil
}

func (l *Log) flushLoop() {
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if !l.closed {
				_ = l.syncLocked()
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}
