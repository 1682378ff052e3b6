package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/trackrun/trackcore/types"
)

func TestFrameDecoder_SingleAgentCommand(t *testing.T) {
	cmd := &types.AgentCommand{
		Type:  types.CommandRun,
		RunID: "trial-001",
		Args:  map[string]any{"lr": 0.01},
	}

	frame, err := EncodeAgentCommand(cmd)
	if err != nil {
		t.Fatalf("EncodeAgentCommand failed: %v", err)
	}

	decoder := NewFrameDecoder(bytes.NewReader(frame))
	payload, err := decoder.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	decoded, err := DecodeAgentCommand(payload)
	if err != nil {
		t.Fatalf("DecodeAgentCommand failed: %v", err)
	}

	if decoded.Type != cmd.Type {
		t.Errorf("Type = %q, want %q", decoded.Type, cmd.Type)
	}
	if decoded.RunID != cmd.RunID {
		t.Errorf("RunID = %q, want %q", decoded.RunID, cmd.RunID)
	}
	if decoded.Args["lr"] != 0.01 {
		t.Errorf("Args[lr] = %v, want 0.01", decoded.Args["lr"])
	}
}

func TestFrameDecoder_SingleCommandReply(t *testing.T) {
	reply := &types.CommandReply{OK: false, Exception: "ValueError", Traceback: "line 1"}

	frame, err := EncodeCommandReply(reply)
	if err != nil {
		t.Fatalf("EncodeCommandReply failed: %v", err)
	}

	decoder := NewFrameDecoder(bytes.NewReader(frame))
	payload, err := decoder.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	decoded, err := DecodeCommandReply(payload)
	if err != nil {
		t.Fatalf("DecodeCommandReply failed: %v", err)
	}

	if decoded.OK != reply.OK {
		t.Errorf("OK = %v, want %v", decoded.OK, reply.OK)
	}
	if decoded.Exception != reply.Exception {
		t.Errorf("Exception = %q, want %q", decoded.Exception, reply.Exception)
	}
	if decoded.Traceback != reply.Traceback {
		t.Errorf("Traceback = %q, want %q", decoded.Traceback, reply.Traceback)
	}
}

func TestFrameDecoder_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer

	cmd1, err := EncodeAgentCommand(&types.AgentCommand{Type: types.CommandRun, RunID: "trial-001"})
	if err != nil {
		t.Fatal(err)
	}
	cmd2, err := EncodeAgentCommand(&types.AgentCommand{Type: types.CommandStop, RunID: "trial-001"})
	if err != nil {
		t.Fatal(err)
	}
	buf.Write(cmd1)
	buf.Write(cmd2)

	decoder := NewFrameDecoder(&buf)

	payload1, err := decoder.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 1 failed: %v", err)
	}
	decoded1, err := DecodeAgentCommand(payload1)
	if err != nil {
		t.Fatalf("DecodeAgentCommand 1 failed: %v", err)
	}
	if decoded1.Type != types.CommandRun {
		t.Errorf("frame 1 Type = %q, want %q", decoded1.Type, types.CommandRun)
	}

	payload2, err := decoder.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 2 failed: %v", err)
	}
	decoded2, err := DecodeAgentCommand(payload2)
	if err != nil {
		t.Fatalf("DecodeAgentCommand 2 failed: %v", err)
	}
	if decoded2.Type != types.CommandStop {
		t.Errorf("frame 2 Type = %q, want %q", decoded2.Type, types.CommandStop)
	}

	if _, err := decoder.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF after last frame, got %v", err)
	}
}

func TestFrameDecoder_EmptyStream(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader(nil))
	if _, err := decoder.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestFrameDecoder_TruncatedLengthPrefix(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader([]byte{0x00, 0x01}))
	_, err := decoder.ReadFrame()

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
	if !frameErr.IsFatal() {
		t.Error("partial frame error should be fatal")
	}
}

func TestFrameDecoder_TruncatedPayload(t *testing.T) {
	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], 100)

	decoder := NewFrameDecoder(bytes.NewReader(append(lengthBuf[:], []byte("short")...)))
	_, err := decoder.ReadFrame()

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
}

func TestFrameDecoder_OversizedFrame(t *testing.T) {
	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], MaxPayloadSize+1)

	decoder := NewFrameDecoder(bytes.NewReader(lengthBuf[:]))
	_, err := decoder.ReadFrame()

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want FrameErrorTooLarge", frameErr.Kind)
	}
	if !frameErr.IsFatal() {
		t.Error("oversized frame error should be fatal")
	}
}

func TestDecodeFrame_UnknownType(t *testing.T) {
	payload, err := msgpack.Marshal(map[string]any{"type": "mystery"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecodeFrame(payload)
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorDecode {
		t.Errorf("Kind = %v, want FrameErrorDecode", frameErr.Kind)
	}
}

func TestDecodeFrame_MissingType(t *testing.T) {
	payload, err := msgpack.Marshal(map[string]any{"run_id": "trial-001"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DecodeFrame(payload); err == nil {
		t.Fatal("expected error for payload missing type field")
	}
}

func TestDecodeFrame_DispatchesByType(t *testing.T) {
	cmdFrame, err := EncodeAgentCommand(&types.AgentCommand{Type: types.CommandExit})
	if err != nil {
		t.Fatal(err)
	}
	decoder := NewFrameDecoder(bytes.NewReader(cmdFrame))
	payload, err := decoder.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	cmd, ok := decoded.(*types.AgentCommand)
	if !ok {
		t.Fatalf("DecodeFrame returned %T, want *types.AgentCommand", decoded)
	}
	if cmd.Type != types.CommandExit {
		t.Errorf("Type = %q, want %q", cmd.Type, types.CommandExit)
	}
}

func TestIsFatalFrameError(t *testing.T) {
	if !IsFatalFrameError(&FrameError{Kind: FrameErrorPartial}) {
		t.Error("partial error should be fatal")
	}
	if !IsFatalFrameError(&FrameError{Kind: FrameErrorTooLarge}) {
		t.Error("too-large error should be fatal")
	}
	if IsFatalFrameError(&FrameError{Kind: FrameErrorDecode}) {
		t.Error("decode error should not be classified as fatal")
	}
	if IsFatalFrameError(errors.New("plain error")) {
		t.Error("non-FrameError should not be classified as fatal")
	}
}

func TestFrameError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	fe := &FrameError{Kind: FrameErrorDecode, Msg: "wrap", Err: inner}

	if !errors.Is(fe, inner) {
		t.Error("FrameError should unwrap to inner error")
	}
}
