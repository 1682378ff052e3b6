// Package ipc implements length-prefixed msgpack framing for the sweep
// command protocol exchanged between a trackcore agent and a local
// dispatcher listening on a pipe or unix socket.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/trackrun/trackcore/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// AgentCommandType is the type discriminant for agent command frames.
const AgentCommandType = "agent_command"

// CommandReplyType is the type discriminant for command reply frames.
const CommandReplyType = "command_reply"

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error is fatal (terminate connection).
// Partial and oversized frames desync the stream and cannot be recovered.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
// Wraps the reader with bufio.Reader to reduce syscall overhead
// on unbuffered sources (e.g., OS pipes or unix sockets).
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameDecoder{reader: br}
}

// ReadFrame reads a single frame from the stream.
// Returns the raw payload bytes (msgpack-encoded).
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])

	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// probeFrameType extracts the "type" field from a msgpack map without
// fully unmarshaling the payload.
func probeFrameType(payload []byte) (string, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return "", err
		}
		if key == "type" {
			return dec.DecodeString()
		}
		if err := dec.Skip(); err != nil {
			return "", err
		}
	}
	return "", errors.New("missing type field")
}

// DecodeFrame decodes a payload and returns a typed frame, discriminating
// on the "type" field: "agent_command" or "command_reply".
func DecodeFrame(payload []byte) (any, error) {
	frameType, err := probeFrameType(payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode frame type",
			Err:  err,
		}
	}

	switch frameType {
	case AgentCommandType:
		return DecodeAgentCommand(payload)
	case CommandReplyType:
		return DecodeCommandReply(payload)
	default:
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("unknown frame type %q", frameType),
		}
	}
}

// agentCommandWire mirrors types.AgentCommand but adds the type
// discriminant; ReplyTo never crosses the wire.
type agentCommandWire struct {
	Type    string         `msgpack:"type"`
	CmdType string         `msgpack:"cmd_type"`
	RunID   string         `msgpack:"run_id,omitempty"`
	Args    map[string]any `msgpack:"args,omitempty"`
}

// commandReplyWire mirrors types.CommandReply but adds the type
// discriminant.
type commandReplyWire struct {
	Type      string `msgpack:"type"`
	OK        bool   `msgpack:"ok"`
	Exception string `msgpack:"exception,omitempty"`
	Traceback string `msgpack:"traceback,omitempty"`
}

// DecodeAgentCommand decodes a payload as an AgentCommand.
func DecodeAgentCommand(payload []byte) (*types.AgentCommand, error) {
	var wire agentCommandWire
	if err := msgpack.Unmarshal(payload, &wire); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode agent command",
			Err:  err,
		}
	}
	return &types.AgentCommand{
		Type:  types.CommandType(wire.CmdType),
		RunID: wire.RunID,
		Args:  wire.Args,
	}, nil
}

// DecodeCommandReply decodes a payload as a CommandReply.
func DecodeCommandReply(payload []byte) (*types.CommandReply, error) {
	var wire commandReplyWire
	if err := msgpack.Unmarshal(payload, &wire); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode command reply",
			Err:  err,
		}
	}
	return &types.CommandReply{
		OK:        wire.OK,
		Exception: wire.Exception,
		Traceback: wire.Traceback,
	}, nil
}

// EncodeFrame encodes a payload with a 4-byte big-endian length prefix.
// This is the public encoder counterpart to FrameDecoder.ReadFrame.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

// EncodeAgentCommand encodes an AgentCommand as a length-prefixed msgpack frame.
func EncodeAgentCommand(cmd *types.AgentCommand) ([]byte, error) {
	wire := agentCommandWire{
		Type:    AgentCommandType,
		CmdType: string(cmd.Type),
		RunID:   cmd.RunID,
		Args:    cmd.Args,
	}
	payload, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent command: %w", err)
	}
	return EncodeFrame(payload), nil
}

// EncodeCommandReply encodes a CommandReply as a length-prefixed msgpack frame.
func EncodeCommandReply(reply *types.CommandReply) ([]byte, error) {
	wire := commandReplyWire{
		Type:      CommandReplyType,
		OK:        reply.OK,
		Exception: reply.Exception,
		Traceback: reply.Traceback,
	}
	payload, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command reply: %w", err)
	}
	return EncodeFrame(payload), nil
}
