package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store/codec"
)

// Segment file format: each message is [4-byte big-endian length][data],
// concatenated with no separators. In byte mode the whole append is one
// message; in JSON mode each flattened array element is its own message.
const (
	SegmentFileName  = "data.seg"
	LengthPrefixSize = 4
	MaxMessageSize   = 64 * 1024 * 1024
)

var (
	ErrMessageTooLarge  = errors.New("message too large")
	ErrCorruptedSegment = errors.New("corrupted segment file")
)

// WriteMessage writes one length-prefixed message to w, returning the total
// bytes written.
func WriteMessage(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}

	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}
	n2, err := w.Write(data)
	return n + n2, err
}

// ReadMessage reads one length-prefixed message from r.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrCorruptedSegment
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SegmentReader reads messages from a segment file.
type SegmentReader struct {
	file   *os.File
	reader *bufio.Reader
}

// NewSegmentReader opens path for sequential message reads.
func NewSegmentReader(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &SegmentReader{file: file, reader: bufio.NewReaderSize(file, 64*1024)}, nil
}

// SeekToOffset repositions the reader at a raw file byte offset.
func (r *SegmentReader) SeekToOffset(byteOffset uint64) error {
	if _, err := r.file.Seek(int64(byteOffset), io.SeekStart); err != nil {
		return err
	}
	r.reader.Reset(r.file)
	return nil
}

// ReadMessages reads every message from startOffset to EOF, returning the
// decoded messages and the offset past the last one read.
func (r *SegmentReader) ReadMessages(startOffset protocol.Offset) ([]codec.Message, protocol.Offset, error) {
	if err := r.SeekToOffset(startOffset.Bytes()); err != nil {
		return nil, startOffset, err
	}

	var messages []codec.Message
	current := startOffset

	for {
		data, err := ReadMessage(r.reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return messages, current, err
		}

		current = current.Add(uint64(LengthPrefixSize + len(data)))
		messages = append(messages, codec.Message{Data: data, Offset: current})
	}

	return messages, current, nil
}

// Close closes the underlying file.
func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// SegmentWriter appends messages to a segment file.
type SegmentWriter struct {
	file   *os.File
	offset uint64
}

// NewSegmentWriter opens or creates path for append-only writes, resuming
// its offset tracking from the file's current size.
func NewSegmentWriter(path string) (*SegmentWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &SegmentWriter{file: file, offset: uint64(info.Size())}, nil
}

// WriteMessage appends a single message and returns the new tail offset.
func (w *SegmentWriter) WriteMessage(data []byte) (protocol.Offset, error) {
	n, err := WriteMessage(w.file, data)
	if err != nil {
		return protocol.Offset{}, err
	}
	w.offset += uint64(n)
	return protocol.NewOffset(w.offset), nil
}

// WriteMessages appends each message in order and returns the final tail
// offset. Partial writes never commit: the caller treats any error here as
// fatal and leaves CurrentOffset unchanged on disk (the segment file itself
// may contain a trailing partial write, but ScanSegment on the next open
// truncates its view back to the last fully-written message boundary).
func (w *SegmentWriter) WriteMessages(messages [][]byte) (protocol.Offset, error) {
	for _, data := range messages {
		if _, err := WriteMessage(w.file, data); err != nil {
			return protocol.Offset{}, err
		}
		w.offset += uint64(LengthPrefixSize + len(data))
	}
	return protocol.NewOffset(w.offset), nil
}

// Sync flushes the file to stable storage.
func (w *SegmentWriter) Sync() error {
	return w.file.Sync()
}

// Close closes the writer's file handle.
func (w *SegmentWriter) Close() error {
	return w.file.Close()
}

// CurrentOffset returns the writer's current tail offset.
func (w *SegmentWriter) CurrentOffset() protocol.Offset {
	return protocol.NewOffset(w.offset)
}

// ScanSegment walks a segment file end to end and returns the offset of the
// last fully-written message boundary, silently discarding any trailing
// partial write left by a crash mid-append (spec §4.4: "Partial appends
// never commit").
func ScanSegment(path string) (protocol.Offset, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.ZeroOffset, nil
		}
		return protocol.Offset{}, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset uint64

	for {
		var lenBuf [LengthPrefixSize]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			break
		}

		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > MaxMessageSize {
			break
		}

		skipped, err := reader.Discard(int(length))
		if err != nil || uint32(skipped) != length {
			break
		}

		offset += uint64(LengthPrefixSize) + uint64(length)
	}

	return protocol.NewOffset(offset), nil
}

// CreateSegmentFile creates an empty segment file at path.
func CreateSegmentFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}
	return file.Close()
}

// SegmentFileSize returns the on-disk size of the segment file at path.
func SegmentFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
