package events

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// appendTag writes a protobuf field tag (field number + wire type).
func appendTag(buf []byte, fieldNum, wireType int) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(fieldNum<<3|wireType))
	return append(buf, tmp[:n]...)
}

func appendVarintField(buf []byte, fieldNum int, v uint64) []byte {
	buf = appendTag(buf, fieldNum, wireVarint)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendDoubleField(buf []byte, fieldNum int, v float64) []byte {
	buf = appendTag(buf, fieldNum, wire64bit)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func appendFloatField(buf []byte, fieldNum int, v float32) []byte {
	buf = appendTag(buf, fieldNum, wire32bit)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	return append(buf, tmp[:]...)
}

func appendBytesField(buf []byte, fieldNum int, v []byte) []byte {
	buf = appendTag(buf, fieldNum, wireBytes)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(v)))
	buf = append(buf, tmp[:n]...)
	return append(buf, v...)
}

func buildSummaryValue(tag string, value float32) []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, []byte(tag))
	buf = appendFloatField(buf, 2, value)
	return buf
}

func buildSummary(values ...[]byte) []byte {
	var buf []byte
	for _, v := range values {
		buf = appendBytesField(buf, 1, v)
	}
	return buf
}

func buildEvent(wallTime float64, step int64, fileVersion string, summary []byte) []byte {
	var buf []byte
	buf = appendDoubleField(buf, 1, wallTime)
	buf = appendVarintField(buf, 2, uint64(step))
	if fileVersion != "" {
		buf = appendBytesField(buf, 3, []byte(fileVersion))
	}
	if summary != nil {
		buf = appendBytesField(buf, 5, summary)
	}
	return buf
}

func writeTFRecord(w *bytes.Buffer, data []byte) {
	var lengthBuf [8]byte
	binary.LittleEndian.PutUint64(lengthBuf[:], uint64(len(data)))
	w.Write(lengthBuf[:])

	var lengthCRCBuf [4]byte
	binary.LittleEndian.PutUint32(lengthCRCBuf[:], maskedCRC32(lengthBuf[:]))
	w.Write(lengthCRCBuf[:])

	w.Write(data)

	var dataCRCBuf [4]byte
	binary.LittleEndian.PutUint32(dataCRCBuf[:], maskedCRC32(data))
	w.Write(dataCRCBuf[:])
}

func TestDecodeEventProto_ScalarSummary(t *testing.T) {
	summary := buildSummary(buildSummaryValue("loss", 0.42))
	raw := buildEvent(1234.5, 7, "brain.Event:2", summary)

	ev, err := decodeEventProto(raw)
	if err != nil {
		t.Fatalf("decodeEventProto failed: %v", err)
	}
	if ev.WallTime != 1234.5 {
		t.Errorf("WallTime = %v, want 1234.5", ev.WallTime)
	}
	if ev.Step != 7 {
		t.Errorf("Step = %v, want 7", ev.Step)
	}
	if ev.FileVersion == nil || *ev.FileVersion != 2 {
		t.Errorf("FileVersion = %v, want 2", ev.FileVersion)
	}
	got, ok := ev.Summary["loss"]
	if !ok {
		t.Fatal("expected summary entry for \"loss\"")
	}
	if math.Abs(float64(got)-0.42) > 1e-6 {
		t.Errorf("Summary[loss] = %v, want ~0.42", got)
	}
}

func TestDecodeEventProto_NoSummary(t *testing.T) {
	raw := buildEvent(10, 0, "", nil)
	ev, err := decodeEventProto(raw)
	if err != nil {
		t.Fatalf("decodeEventProto failed: %v", err)
	}
	if ev.Summary != nil {
		t.Errorf("Summary = %v, want nil", ev.Summary)
	}
}

func TestReadTFRecord_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello tfrecord")
	writeTFRecord(&buf, payload)

	got, err := readTFRecord(&buf)
	if err != nil {
		t.Fatalf("readTFRecord failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("readTFRecord() = %q, want %q", got, payload)
	}
}

func TestReadTFRecord_CorruptChecksum(t *testing.T) {
	var buf bytes.Buffer
	writeTFRecord(&buf, []byte("payload"))
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	if _, err := readTFRecord(bytes.NewReader(corrupted)); err != ErrCorruptRecord {
		t.Errorf("readTFRecord() error = %v, want ErrCorruptRecord", err)
	}
}

func TestTFRecordDecoder_ReadsAppendedRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.out.tfevents.123.host")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}

	var buf bytes.Buffer
	writeTFRecord(&buf, buildEvent(1.0, 1, "brain.Event:2", nil))
	if _, err := f.Write(buf.Bytes()); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	f.Close()

	d, err := OpenTFRecordDecoder(path)
	if err != nil {
		t.Fatalf("OpenTFRecordDecoder failed: %v", err)
	}
	defer d.Close()

	ev, ok := d.Next()
	if !ok {
		t.Fatal("expected a decoded event")
	}
	if ev.Step != 1 {
		t.Errorf("Step = %d, want 1", ev.Step)
	}

	if _, ok := d.Next(); ok {
		t.Fatal("expected no more records yet")
	}

	f, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen fixture for append: %v", err)
	}
	var buf2 bytes.Buffer
	writeTFRecord(&buf2, buildEvent(2.0, 2, "", nil))
	if _, err := f.Write(buf2.Bytes()); err != nil {
		t.Fatalf("append fixture: %v", err)
	}
	f.Close()

	ev, ok = d.Next()
	if !ok {
		t.Fatal("expected the appended record to be read")
	}
	if ev.Step != 2 {
		t.Errorf("Step = %d, want 2", ev.Step)
	}
}

func TestTFRecordDecoder_PartialTrailingRecordWaits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.out.tfevents.123.host")

	var buf bytes.Buffer
	writeTFRecord(&buf, buildEvent(1.0, 1, "", nil))
	full := buf.Bytes()
	truncated := full[:len(full)-2]

	if err := os.WriteFile(path, truncated, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	d, err := OpenTFRecordDecoder(path)
	if err != nil {
		t.Fatalf("OpenTFRecordDecoder failed: %v", err)
	}
	defer d.Close()

	if _, ok := d.Next(); ok {
		t.Fatal("expected no event from a partially-written record")
	}
	if d.Deleted() {
		t.Error("a partial record should not be reported as deleted")
	}
}

func TestTFRecordDecoder_DetectsDeletion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.out.tfevents.123.host")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	d, err := OpenTFRecordDecoder(path)
	if err != nil {
		t.Fatalf("OpenTFRecordDecoder failed: %v", err)
	}
	defer d.Close()

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove fixture: %v", err)
	}

	if _, ok := d.Next(); ok {
		t.Fatal("expected no event after deletion")
	}
	if !d.Deleted() {
		t.Error("expected decoder to report deletion")
	}
}
