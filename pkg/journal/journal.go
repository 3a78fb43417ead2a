package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"replog/pkg/compression"
	"replog/pkg/listener"
	"replog/pkg/replog"
	"replog/pkg/types"
)

const fileName = "journal.log"

var (
	ErrClosed  = errors.New("journal: closed")
	ErrCorrupt = errors.New("journal: corrupt record")
)

type Options struct {
	Compression compression.Kind
	// QueueSize bounds the number of writes waiting for the writer.
	QueueSize int
	Logger    *slog.Logger
}

type request struct {
	rec  record
	done func(error)
}

// Journal is an append-only file of log entries and truncation markers.
// Every write goes through a single writer goroutine, so records land in
// the order Append and Truncate were called and each is fsynced before its
// completion runs.
type Journal struct {
	listener *listener.Listener[request]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	codec  compression.Codec
	codecs map[compression.Kind]compression.Codec
	logger *slog.Logger

	stopOnDone func() bool

	// sendMu gates admission to inputCh so Close never races a send.
	sendMu  sync.RWMutex
	closed  bool
	inputCh chan request
}

// Open creates dir if needed and opens the journal file in it. The writer
// stops when ctx ends or Close is called.
func Open(ctx context.Context, dir string, opts Options) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty journal dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	codec, err := compression.New(opts.Compression)
	if err != nil {
		return nil, err
	}
	// records written with another codec must stay readable
	codecs := map[compression.Kind]compression.Codec{compression.None: mustCodec(compression.None)}
	if zstd, err := compression.New(compression.Zstd); err == nil {
		codecs[compression.Zstd] = zstd
	}
	codecs[codec.Kind()] = codec

	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	j := &Journal{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		codec:    codec,
		codecs:   codecs,
		logger:   opts.Logger.With("component", "journal"),
		inputCh:  make(chan request, opts.QueueSize),
	}
	j.listener = listener.New(j.inputCh, j.write, j.writeFailed)
	j.listener.Start(context.WithoutCancel(ctx))

	j.sendMu.Lock()
	j.stopOnDone = context.AfterFunc(ctx, func() {
		if err := j.Close(); err != nil {
			j.logger.Error("failed to close journal", "error", err)
		}
	})
	j.sendMu.Unlock()

	return j, nil
}

func mustCodec(kind compression.Kind) compression.Codec {
	c, err := compression.New(kind)
	if err != nil {
		panic(err)
	}
	return c
}

func (j *Journal) Path() string { return j.filePath }

// Append queues e for writing. With async unset it blocks until the record
// is durable and runs done before returning.
func (j *Journal) Append(e replog.Entry, async bool, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	rec, err := encodeAppend(e, j.codec)
	if err != nil {
		done(err)
		return
	}
	if async {
		j.send(request{rec: rec, done: done})
		return
	}
	done(j.sendAndWait(rec))
}

// Truncate durably records that every entry with index >= from is gone.
func (j *Journal) Truncate(from types.LogIndex) error {
	return j.sendAndWait(encodeTruncate(from))
}

func (j *Journal) sendAndWait(rec record) error {
	res := make(chan error, 1)
	j.send(request{rec: rec, done: func(err error) { res <- err }})
	return <-res
}

func (j *Journal) send(req request) {
	j.sendMu.RLock()
	defer j.sendMu.RUnlock()

	if j.closed {
		req.done(ErrClosed)
		return
	}
	j.inputCh <- req
}

// will be called by the listener for every queued request
func (j *Journal) write(req request) error {
	err := j.writeRecord(req.rec)
	req.done(err)
	return err
}

func (j *Journal) writeRecord(rec record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer == nil {
		return ErrClosed
	}
	if err := writeRecord(j.writer, rec); err != nil {
		return fmt.Errorf("failed to write journal record: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (j *Journal) writeFailed(req request, err error) {
	j.logger.Error("journal write failed", "kind", req.rec.kind, "error", err)
}

// Replay reads the journal from the start and returns the entries that
// survive every recorded truncation, in index order. A torn record at the
// tail, left by a crash mid-write, is cut off and ignored. A checksum
// mismatch anywhere is reported as ErrCorrupt.
func (j *Journal) Replay() ([]replog.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer == nil {
		return nil, ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush journal before replay: %w", err)
	}

	entries, good, err := j.readAll()
	if err != nil {
		return nil, err
	}

	info, err := j.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}
	if info.Size() > good {
		j.logger.Warn("dropping torn journal tail", "offset", good, "bytes", info.Size()-good)
		if err := j.file.Truncate(good); err != nil {
			return nil, fmt.Errorf("failed to cut torn journal tail: %w", err)
		}
	}
	return entries, nil
}

// readAll returns the surviving entries and the offset right after the
// last complete record.
func (j *Journal) readAll() ([]replog.Entry, int64, error) {
	file, err := os.Open(j.filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open journal for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			j.logger.Warn("failed to close journal read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var (
		entries []replog.Entry
		offset  int64
	)
	for {
		rec, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, 0, fmt.Errorf("read journal record at offset %d: %w", offset, err)
		}
		offset += int64(headerSize + len(rec.body))

		switch rec.kind {
		case recordAppend:
			e, err := decodeAppend(rec, j.codecs)
			if err != nil {
				return nil, 0, err
			}
			// a rewritten index replaces the old suffix
			entries = truncateFrom(entries, e.Index())
			entries = append(entries, e)
		case recordTruncate:
			from, err := decodeTruncate(rec)
			if err != nil {
				return nil, 0, err
			}
			entries = truncateFrom(entries, from)
		}
	}
	return entries, offset, nil
}

func truncateFrom(entries []replog.Entry, from types.LogIndex) []replog.Entry {
	for n := len(entries); n > 0; n-- {
		if entries[n-1].Index() < from {
			return entries[:n]
		}
	}
	return entries[:0]
}

// Compact rewrites the journal without the entries with index <= through.
// Those are covered by a persisted snapshot.
func (j *Journal) Compact(through types.LogIndex) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer == nil {
		return ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal before compaction: %w", err)
	}

	entries, _, err := j.readAll()
	if err != nil {
		return err
	}

	tmpPath := j.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create compacted journal: %w", err)
	}
	w := bufio.NewWriter(tmp)
	kept := 0
	for _, e := range entries {
		if e.Index() <= through {
			continue
		}
		rec, err := encodeAppend(e, j.codec)
		if err == nil {
			err = writeRecord(w, rec)
		}
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to write compacted journal: %w", err)
		}
		kept++
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to flush compacted journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close compacted journal: %w", err)
	}

	if err := os.Rename(tmpPath, j.filePath); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	if err := j.file.Close(); err != nil {
		j.logger.Warn("failed to close old journal file", "error", err)
	}
	file, err := os.OpenFile(j.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		j.writer = nil
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	j.writer = bufio.NewWriter(file)

	j.logger.Info("journal compacted", "through", through, "kept", kept, "dropped", len(entries)-kept)
	return nil
}

// Close stops the writer after the queued writes are done and closes the
// file. Writes issued after Close fail with ErrClosed.
func (j *Journal) Close() error {
	j.sendMu.Lock()
	if j.closed {
		j.sendMu.Unlock()
		return nil
	}
	j.closed = true
	stopOnDone := j.stopOnDone
	j.sendMu.Unlock()

	stopOnDone()
	j.listener.Stop()

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeFile()
}

func (j *Journal) closeFile() error {
	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal on close: %w", err)
		}
		j.writer = nil
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}
	return nil
}

var _ replog.Journal = (*Journal)(nil)
