// Package firmware tails a firmware trace dump and forwards every record
// to the firmware timeline stream.
//
// The dump is a sequence of records, each a little-endian uint32 length
// followed by that many payload bytes. Record contents are opaque here.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/penwyp/go-gpu-timeline/internal/core/constants"
	"github.com/penwyp/go-gpu-timeline/internal/core/tlstream"
	"github.com/penwyp/go-gpu-timeline/internal/util"
)

const recordPrefixSize = 4

var ErrRunning = errors.New("firmware reader already running")

// Config configures a Reader
type Config struct {
	// Path of the dump file; it may not exist yet when the reader starts
	Path string
	// Fallback polling cadence for filesystems without change notification
	PollInterval time.Duration
	// Records with a larger length prefix are treated as corruption
	MaxRecordSize int
}

// Stats counts reader activity since construction
type Stats struct {
	Records   uint64 `json:"records"`
	Bytes     uint64 `json:"bytes"`
	Dropped   uint64 `json:"dropped"`
	Resyncs   uint64 `json:"resyncs"`
	ReadCalls uint64 `json:"read_calls"`
}

// Reader follows a firmware dump file. Start positions it at the current
// end of the file so only records written afterwards are forwarded.
type Reader struct {
	cfg Config

	// mu serializes reads and guards file state
	mu      sync.Mutex
	file    *os.File
	offset  int64
	pending []byte
	sink    tlstream.Sink

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}

	records   atomic.Uint64
	bytes     atomic.Uint64
	dropped   atomic.Uint64
	resyncs   atomic.Uint64
	readCalls atomic.Uint64
}

func NewReader(cfg Config) (*Reader, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("firmware dump path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.FirmwarePollInterval
	}
	if cfg.MaxRecordSize <= 0 {
		cfg.MaxRecordSize = constants.PageSize
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	cfg.Path = abs
	return &Reader{cfg: cfg}, nil
}

func (r *Reader) Path() string { return r.cfg.Path }

// Start begins forwarding records to sink
func (r *Reader) Start(sink tlstream.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return ErrRunning
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create firmware dump watcher: %w", err)
	}
	// Watch the directory so creation and replacement of the file are seen
	if err := watcher.Add(filepath.Dir(r.cfg.Path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(r.cfg.Path), err)
	}

	r.sink = sink
	r.pending = r.pending[:0]
	r.offset = 0
	if err := r.openLocked(); err != nil {
		watcher.Close()
		return err
	}
	if r.file != nil {
		if info, err := r.file.Stat(); err == nil {
			r.offset = info.Size()
		}
	}

	r.watcher = watcher
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.processEvents(r.watcher, r.stop, r.done)

	util.LogInfo("Firmware trace reader started", util.F("path", r.cfg.Path), util.F("offset", r.offset))
	return nil
}

// Stop halts forwarding; records written while stopped are skipped
func (r *Reader) Stop() {
	r.mu.Lock()
	stop, done, watcher := r.stop, r.done, r.watcher
	r.stop, r.done, r.watcher = nil, nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	watcher.Close()

	r.mu.Lock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.sink = nil
	r.mu.Unlock()

	util.LogInfo("Firmware trace reader stopped", util.F("records", r.records.Load()))
}

// Flush forwards every complete record currently in the file
func (r *Reader) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked()
}

// MaxRecordSize is the largest record forwarded; longer prefixes resync
func (r *Reader) MaxRecordSize() int {
	return r.cfg.MaxRecordSize
}

func (r *Reader) Stats() Stats {
	return Stats{
		Records:   r.records.Load(),
		Bytes:     r.bytes.Load(),
		Dropped:   r.dropped.Load(),
		Resyncs:   r.resyncs.Load(),
		ReadCalls: r.readCalls.Load(),
	}
}

func (r *Reader) processEvents(watcher *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.cfg.Path {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				r.reopen()
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := r.Flush(); err != nil {
					util.LogWarn("Firmware dump read failed", util.F("error", err.Error()))
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			// Polling still covers us
			util.LogError("Firmware dump watch error: " + err.Error())

		case <-ticker.C:
			if err := r.Flush(); err != nil {
				util.LogWarn("Firmware dump poll failed", util.F("error", err.Error()))
			}
		}
	}
}

func (r *Reader) reopen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A poll may already have switched to the file now at the path
	if r.file != nil {
		if info, err := r.file.Stat(); err == nil {
			if cur, err := os.Stat(r.cfg.Path); err == nil && os.SameFile(info, cur) {
				return
			}
		}
	}
	r.reopenLocked()
}

func (r *Reader) reopenLocked() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.offset = 0
	r.pending = r.pending[:0]
	r.resyncs.Add(1)
	util.LogInfo("Firmware dump replaced, restarting from offset 0", util.F("path", r.cfg.Path))
}

func (r *Reader) openLocked() error {
	if r.file != nil {
		return nil
	}
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open firmware dump: %w", err)
	}
	r.file = f
	return nil
}

func (r *Reader) readLocked() error {
	if r.sink == nil {
		return nil
	}
	r.readCalls.Add(1)
	if err := r.openLocked(); err != nil || r.file == nil {
		return err
	}

	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	// A replacement whose events were missed is caught on the next poll
	if cur, err := os.Stat(r.cfg.Path); err == nil && !os.SameFile(info, cur) {
		r.reopenLocked()
		if err := r.openLocked(); err != nil || r.file == nil {
			return err
		}
		if info, err = r.file.Stat(); err != nil {
			return err
		}
	}
	if info.Size() < r.offset {
		util.LogWarn("Firmware dump truncated, restarting from offset 0",
			util.F("size", info.Size()), util.F("offset", r.offset))
		r.offset = 0
		r.pending = r.pending[:0]
		r.resyncs.Add(1)
	}
	if info.Size() == r.offset {
		return nil
	}

	chunk := make([]byte, info.Size()-r.offset)
	n, err := r.file.ReadAt(chunk, r.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	r.offset += int64(n)
	r.pending = append(r.pending, chunk[:n]...)

	r.forwardLocked()
	return nil
}

// forwardLocked emits every complete record in pending and keeps the
// incomplete tail for the next read
func (r *Reader) forwardLocked() {
	buf := r.pending
	for len(buf) >= recordPrefixSize {
		size := int(binary.LittleEndian.Uint32(buf))
		if size > r.cfg.MaxRecordSize {
			// No way to find the next record boundary
			util.LogError("Corrupt firmware record, discarding buffered data",
				util.F("length", size), util.F("discarded", len(buf)))
			r.dropped.Add(1)
			r.resyncs.Add(1)
			buf = buf[:0]
			break
		}
		if len(buf) < recordPrefixSize+size {
			break
		}
		record := buf[recordPrefixSize : recordPrefixSize+size]
		if err := r.sink.Emit(tlstream.TypeFirmware, record); err != nil {
			r.dropped.Add(1)
		} else {
			r.records.Add(1)
			r.bytes.Add(uint64(size))
		}
		buf = buf[recordPrefixSize+size:]
	}
	r.pending = append(r.pending[:0], buf...)
}

// EncodeRecord frames payload the way the firmware dump stores it
func EncodeRecord(payload []byte) []byte {
	out := make([]byte, recordPrefixSize, recordPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...)
}
