package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"replog/pkg/compression"
	"replog/pkg/replog"
	"replog/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

type recordKind uint8

const (
	recordAppend recordKind = iota + 1
	recordTruncate
)

// kind(1) + codec(1) + body length(4) + crc32(4)
const headerSize = 10

type record struct {
	kind  recordKind
	codec compression.Kind
	body  []byte
}

func encodeAppend(e replog.Entry, codec compression.Codec) (record, error) {
	pe := raftpb.Entry{
		Term:  e.Term().Wire(),
		Index: e.Index().Wire(),
		Type:  raftpb.EntryNormal,
		Data:  codec.Encode(e.Data()),
	}
	body, err := pe.Marshal()
	if err != nil {
		return record{}, fmt.Errorf("marshal entry %d: %w", e.Index(), err)
	}
	return record{kind: recordAppend, codec: codec.Kind(), body: body}, nil
}

func encodeTruncate(from types.LogIndex) record {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, uint64(from))
	return record{kind: recordTruncate, codec: compression.None, body: body}
}

func decodeAppend(rec record, codecs map[compression.Kind]compression.Codec) (replog.Entry, error) {
	var pe raftpb.Entry
	if err := pe.Unmarshal(rec.body); err != nil {
		return replog.Entry{}, fmt.Errorf("%w: unmarshal entry: %v", ErrCorrupt, err)
	}
	codec, ok := codecs[rec.codec]
	if !ok {
		return replog.Entry{}, fmt.Errorf("%w: %s", compression.ErrUnknownKind, rec.codec)
	}
	data, err := codec.Decode(pe.Data)
	if err != nil {
		return replog.Entry{}, fmt.Errorf("%w: entry %d: %v", ErrCorrupt, types.IndexFromWire(pe.Index), err)
	}
	return replog.NewEntry(types.IndexFromWire(pe.Index), types.TermFromWire(pe.Term), data), nil
}

func decodeTruncate(rec record) (types.LogIndex, error) {
	if len(rec.body) != 8 {
		return 0, fmt.Errorf("%w: truncate record of %d bytes", ErrCorrupt, len(rec.body))
	}
	return types.LogIndex(binary.LittleEndian.Uint64(rec.body)), nil
}

func writeRecord(w *bufio.Writer, rec record) error {
	if len(rec.body) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(rec.body))
	}

	var header [headerSize]byte
	header[0] = byte(rec.kind)
	header[1] = byte(rec.codec)
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(rec.body)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(rec.body))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(rec.body); err != nil {
		return err
	}
	return nil
}

// readRecord returns io.EOF at a clean end of file and
// io.ErrUnexpectedEOF for a torn trailing record.
func readRecord(r *bufio.Reader) (record, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return record{}, err
	}

	rec := record{
		kind:  recordKind(header[0]),
		codec: compression.Kind(header[1]),
	}
	if rec.kind != recordAppend && rec.kind != recordTruncate {
		return record{}, fmt.Errorf("%w: unknown record kind %d", ErrCorrupt, header[0])
	}

	length := binary.LittleEndian.Uint32(header[2:6])
	rec.body = make([]byte, length)
	if _, err := io.ReadFull(r, rec.body); err != nil {
		if errors.Is(err, io.EOF) {
			return record{}, io.ErrUnexpectedEOF
		}
		return record{}, err
	}

	if crc32.ChecksumIEEE(rec.body) != binary.LittleEndian.Uint32(header[6:10]) {
		return record{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return rec, nil
}
