package events

import (
	"encoding/binary"
	"fmt"
)

// Protobuf wire types this module cares about (proto3 wire format).
const (
	wireVarint = 0
	wire64bit  = 1
	wireBytes  = 2
	wire32bit  = 5
)

// scanProtoFields walks a top-level protobuf message and returns the raw
// bytes of the last occurrence of each field number. It decodes only
// enough of the wire format (tag, length) to skip fields it does not
// recognize; it never interprets submessage contents unless asked to.
func scanProtoFields(data []byte) (map[int]([]byte), error) {
	fields := make(map[int][]byte)
	i := 0
	for i < len(data) {
		tag, n := binary.Uvarint(data[i:])
		if n <= 0 {
			return nil, fmt.Errorf("events: invalid field tag at offset %d", i)
		}
		i += n

		fieldNum := int(tag >> 3)
		wireType := int(tag & 0x7)

		value, consumed, err := readProtoValue(data[i:], wireType)
		if err != nil {
			return nil, err
		}
		fields[fieldNum] = value
		i += consumed
	}
	return fields, nil
}

// scanRepeatedMessages extracts every length-delimited occurrence of
// fieldNum from a submessage's raw bytes, used for repeated message
// fields like Summary.value.
func scanRepeatedMessages(data []byte, fieldNum int) ([][]byte, error) {
	var out [][]byte
	i := 0
	for i < len(data) {
		tag, n := binary.Uvarint(data[i:])
		if n <= 0 {
			return nil, fmt.Errorf("events: invalid field tag at offset %d", i)
		}
		i += n

		gotField := int(tag >> 3)
		wireType := int(tag & 0x7)

		value, consumed, err := readProtoValue(data[i:], wireType)
		if err != nil {
			return nil, err
		}
		if gotField == fieldNum {
			out = append(out, value)
		}
		i += consumed
	}
	return out, nil
}

// readProtoValue reads one field's value given its wire type, returning
// the value's raw bytes (the varint/fixed bytes themselves for scalar
// types, or the inner payload for length-delimited fields) and how many
// bytes were consumed from data.
func readProtoValue(data []byte, wireType int) (value []byte, consumed int, err error) {
	switch wireType {
	case wireVarint:
		_, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, 0, fmt.Errorf("events: invalid varint")
		}
		return data[:n], n, nil
	case wire64bit:
		if len(data) < 8 {
			return nil, 0, fmt.Errorf("events: truncated 64-bit field")
		}
		return data[:8], 8, nil
	case wireBytes:
		length, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, 0, fmt.Errorf("events: invalid length prefix")
		}
		end := n + int(length)
		if end > len(data) {
			return nil, 0, fmt.Errorf("events: truncated length-delimited field")
		}
		return data[n:end], end, nil
	case wire32bit:
		if len(data) < 4 {
			return nil, 0, fmt.Errorf("events: truncated 32-bit field")
		}
		return data[:4], 4, nil
	default:
		return nil, 0, fmt.Errorf("events: unsupported wire type %d", wireType)
	}
}
