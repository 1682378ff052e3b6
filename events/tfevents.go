package events

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/trackrun/trackcore/types"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC32 applies TFRecord's CRC masking (rotate + additive constant),
// which keeps a CRC of all-zero bytes from being a valid checksum.
func maskedCRC32(data []byte) uint32 {
	crc := crc32.Checksum(data, crc32cTable)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// ErrCorruptRecord is returned when a TFRecord's length or data checksum
// does not match its stored CRC.
var ErrCorruptRecord = errors.New("events: corrupt tfrecord checksum")

// readTFRecord reads one length-prefixed, CRC-guarded record from r:
// uint64 length, uint32 masked CRC of the length bytes, length bytes of
// payload, uint32 masked CRC of the payload.
func readTFRecord(r io.Reader) ([]byte, error) {
	var lengthBuf [8]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	var lengthCRCBuf [4]byte
	if _, err := io.ReadFull(r, lengthCRCBuf[:]); err != nil {
		return nil, err
	}
	if maskedCRC32(lengthBuf[:]) != binary.LittleEndian.Uint32(lengthCRCBuf[:]) {
		return nil, ErrCorruptRecord
	}

	length := binary.LittleEndian.Uint64(lengthBuf[:])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	var dataCRCBuf [4]byte
	if _, err := io.ReadFull(r, dataCRCBuf[:]); err != nil {
		return nil, err
	}
	if maskedCRC32(data) != binary.LittleEndian.Uint32(dataCRCBuf[:]) {
		return nil, ErrCorruptRecord
	}
	return data, nil
}

// decodeEventProto decodes the subset of tensorflow.Event this watcher
// cares about: wall_time (field 1, double), step (field 2, varint),
// file_version (field 3, string), and summary (field 5, embedded
// Summary message of repeated {tag, simple_value} entries).
func decodeEventProto(data []byte) (types.DecodedEvent, error) {
	var ev types.DecodedEvent

	fields, err := scanProtoFields(data)
	if err != nil {
		return ev, fmt.Errorf("events: decode event: %w", err)
	}

	if raw, ok := fields[1]; ok && len(raw) == 8 {
		ev.WallTime = math.Float64frombits(binary.LittleEndian.Uint64(raw))
	}
	if raw, ok := fields[2]; ok {
		v, _ := binary.Uvarint(raw)
		ev.Step = int64(v)
	}
	if raw, ok := fields[3]; ok {
		if n, err := parseFileVersion(raw); err == nil {
			ev.FileVersion = &n
		}
	}
	if raw, ok := fields[5]; ok {
		summaryFields, err := scanRepeatedMessages(raw, 1)
		if err == nil {
			ev.Summary = make(map[string]float64, len(summaryFields))
			for _, entry := range summaryFields {
				tag, value, ok := decodeSummaryValue(entry)
				if ok {
					ev.Summary[tag] = value
				}
			}
		}
	}

	return ev, nil
}

func parseFileVersion(raw []byte) (int32, error) {
	var n int
	if _, err := fmt.Sscanf(string(raw), "brain.Event:%d", &n); err != nil {
		return 0, err
	}
	return int32(n), nil
}

func decodeSummaryValue(data []byte) (tag string, value float64, ok bool) {
	fields, err := scanProtoFields(data)
	if err != nil {
		return "", 0, false
	}
	if raw, present := fields[1]; present {
		tag = string(raw)
	}
	if raw, present := fields[2]; present && len(raw) == 4 {
		value = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
		ok = true
	}
	return tag, value, ok && tag != ""
}

// TFRecordDecoder is an EventDecoder over a growing tfevents file: it
// reads newly appended TFRecords as they land, tolerating a partially
// written trailing record until more bytes arrive, and reports Deleted
// once the underlying path is removed out from under it.
type TFRecordDecoder struct {
	path   string
	file   *os.File
	r      *bufio.Reader
	offset int64
	gone   bool
}

// OpenTFRecordDecoder opens path and returns a decoder positioned at the
// start of the file, matching the events.DecoderFactory signature.
func OpenTFRecordDecoder(path string) (EventDecoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", path, err)
	}
	return &TFRecordDecoder{
		path: path,
		file: f,
		r:    bufio.NewReader(f),
	}, nil
}

// Next decodes and returns the next fully-written record, or (zero,
// false) if the file has no more complete records right now. A short
// read (truncated trailing record) rewinds to offset so the same bytes
// are re-read once the writer appends the rest.
func (d *TFRecordDecoder) Next() (types.DecodedEvent, bool) {
	if d.gone {
		return types.DecodedEvent{}, false
	}

	data, err := readTFRecord(d.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.rewind()
			d.checkDeleted()
			return types.DecodedEvent{}, false
		}
		// A corrupt checksum mid-stream means the record won't become
		// valid by waiting; skip past it by resyncing at the next read.
		d.offset = d.currentOffset()
		d.checkDeleted()
		return types.DecodedEvent{}, false
	}

	ev, err := decodeEventProto(data)
	if err != nil {
		return types.DecodedEvent{}, false
	}
	d.offset = d.currentOffset()
	return ev, true
}

func (d *TFRecordDecoder) currentOffset() int64 {
	pos, err := d.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return d.offset
	}
	return pos - int64(d.r.Buffered())
}

func (d *TFRecordDecoder) rewind() {
	if _, err := d.file.Seek(d.offset, io.SeekStart); err != nil {
		return
	}
	d.r.Reset(d.file)
}

func (d *TFRecordDecoder) checkDeleted() {
	if _, err := os.Stat(d.path); err != nil && os.IsNotExist(err) {
		d.gone = true
	}
}

// Deleted reports whether the watched file no longer exists.
func (d *TFRecordDecoder) Deleted() bool { return d.gone }

// Close releases the underlying file handle.
func (d *TFRecordDecoder) Close() error { return d.file.Close() }
