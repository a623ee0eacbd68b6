package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// drippingReader returns at most one byte per Read call, so frame decoding
// must tolerate partial reads.
type drippingReader struct {
	data []byte
}

func (r *drippingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		dripped bool
	}{
		{
			name:  "empty payload",
			frame: Frame{Op: OpHello, Corr: 1},
		},
		{
			name:  "small payload",
			frame: Frame{Op: OpBlockPut, Corr: 42, Payload: []byte("hello mesh")},
		},
		{
			name:    "partial reads",
			frame:   Frame{Op: OpMetaSync, Corr: 7, Payload: []byte{0x00, 0x01, 0xFF}},
			dripped: true,
		},
		{
			name:  "block sized payload",
			frame: Frame{Op: OpBlockGetReply, Corr: 9, Payload: bytes.Repeat([]byte{0xAB}, BlockSize)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteFrame() error = %v", err)
			}

			var r io.Reader = &buf
			if tt.dripped {
				r = &drippingReader{data: buf.Bytes()}
			}

			got, err := ReadFrame(r)
			if err != nil {
				t.Fatalf("ReadFrame() error = %v", err)
			}
			if got.Op != tt.frame.Op {
				t.Errorf("ReadFrame() op = %v, want %v", got.Op, tt.frame.Op)
			}
			if got.Corr != tt.frame.Corr {
				t.Errorf("ReadFrame() corr = %v, want %v", got.Corr, tt.frame.Corr)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("ReadFrame() payload mismatch, got %d bytes, want %d", len(got.Payload), len(tt.frame.Payload))
			}
		})
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	frame := Frame{Op: OpBlockPut, Payload: make([]byte, MaxPayloadSize+1)}
	if err := WriteFrame(io.Discard, frame); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("WriteFrame() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestReadFrameRejectsMalformedHeader(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		mutil func([]byte)
	}{
		{
			name:  "unknown opcode",
			frame: Frame{Op: OpHello, Corr: 1},
			mutil: func(b []byte) { b[3] = 0xFF },
		},
		{
			name:  "payload length over limit",
			frame: Frame{Op: OpHello, Corr: 1},
			mutil: func(b []byte) { b[8] = 0xFF },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteFrame() error = %v", err)
			}
			raw := buf.Bytes()
			tt.mutil(raw)

			if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrProtocol) {
				t.Errorf("ReadFrame() error = %v, want ErrProtocol", err)
			}
		})
	}
}

func TestBlockPutPayloadRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload BlockPutPayload
	}{
		{
			name: "original block",
			payload: BlockPutPayload{
				Ref:  BlockRef{FileName: "doc.bin", Index: 0},
				Data: []byte("block zero bytes"),
			},
		},
		{
			name: "replica block",
			payload: BlockPutPayload{
				Ref:       BlockRef{FileName: "informe.pdf", Index: 17},
				IsReplica: true,
				Data:      []byte{0x00, 0xFF},
			},
		},
		{
			name: "empty data",
			payload: BlockPutPayload{
				Ref: BlockRef{FileName: "x", Index: 3},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := EncodeBlockPut(tt.payload)
			got, err := DecodeBlockPut(raw)
			if err != nil {
				t.Fatalf("DecodeBlockPut() error = %v", err)
			}
			if got.Ref != tt.payload.Ref {
				t.Errorf("DecodeBlockPut() ref = %+v, want %+v", got.Ref, tt.payload.Ref)
			}
			if got.IsReplica != tt.payload.IsReplica {
				t.Errorf("DecodeBlockPut() isReplica = %v, want %v", got.IsReplica, tt.payload.IsReplica)
			}
			if !bytes.Equal(got.Data, tt.payload.Data) {
				t.Errorf("DecodeBlockPut() data mismatch")
			}
		})
	}
}

func TestDecodeBlockPutRejectsShortPayload(t *testing.T) {
	if _, err := DecodeBlockPut([]byte{0x00}); !errors.Is(err, ErrProtocol) {
		t.Errorf("DecodeBlockPut() error = %v, want ErrProtocol", err)
	}
}

func TestBlockRefRoundTrip(t *testing.T) {
	ref := BlockRef{FileName: "datos.csv", Index: 5}
	got, err := DecodeBlockRef(EncodeBlockRef(ref))
	if err != nil {
		t.Fatalf("DecodeBlockRef() error = %v", err)
	}
	if got != ref {
		t.Errorf("DecodeBlockRef() = %+v, want %+v", got, ref)
	}

	if _, err := DecodeBlockRef(append(EncodeBlockRef(ref), 0x01)); !errors.Is(err, ErrProtocol) {
		t.Errorf("DecodeBlockRef() with trailing bytes error = %v, want ErrProtocol", err)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := Heartbeat{Label: "nodo3", Seq: 99, Capacity: 100 << 20, Used: 12345}
	got, err := DecodeHeartbeat(EncodeHeartbeat(hb))
	if err != nil {
		t.Fatalf("DecodeHeartbeat() error = %v", err)
	}
	if got != hb {
		t.Errorf("DecodeHeartbeat() = %+v, want %+v", got, hb)
	}

	if _, err := DecodeHeartbeat([]byte{0x05, 'n'}); !errors.Is(err, ErrProtocol) {
		t.Errorf("DecodeHeartbeat() truncated error = %v, want ErrProtocol", err)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	status, err := DecodeStatus(EncodeStatus(StatusNoSpace))
	if err != nil {
		t.Fatalf("DecodeStatus() error = %v", err)
	}
	if status != StatusNoSpace {
		t.Errorf("DecodeStatus() = %v, want StatusNoSpace", status)
	}

	if _, err := DecodeStatus(nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("DecodeStatus(nil) error = %v, want ErrProtocol", err)
	}
}
