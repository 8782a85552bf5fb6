package control

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/pkg/errors"
)

func TestEncodeHeader_Layout(t *testing.T) {
	b := EncodeHeader(Header{Version: Version, Type: TypeNotify, ID: 0x0102, Length: 0x03040506})

	want := []byte{1, 3, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if !bytes.Equal(b, want) {
		t.Errorf("EncodeHeader = %x, want %x", b, want)
	}

	h, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if h.Version != Version || h.Type != TypeNotify || h.ID != 0x0102 || h.Length != 0x03040506 {
		t.Errorf("DecodeHeader = %+v", h)
	}
}

func TestDecodeHeader_Short(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err != ErrShortHeader {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestHeader_Validate(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		max     int
		wantErr error
	}{
		{"minimum length", Header{Version: Version, Length: MinLength}, 0, nil},
		{"zero length", Header{Version: Version, Length: 0}, 0, ErrShortLength},
		{"one byte", Header{Version: Version, Length: 1}, 0, ErrShortLength},
		{"bad version", Header{Version: 2, Length: 10}, 0, ErrBadVersion},
		{"version zero", Header{Version: 0, Length: 10}, 0, ErrBadVersion},
		{"at limit", Header{Version: Version, Length: 64}, 64, nil},
		{"over limit", Header{Version: Version, Length: 65}, 64, ErrMessageTooLarge},
		{"no limit", Header{Version: Version, Length: 1 << 30}, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.Validate(tt.max)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncode_SetsLength(t *testing.T) {
	m := NewMessage(TypeRequestAdd, 7, []byte(`{"ipv4":[]}`))
	m.Length = 999

	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(b) != HeaderSize+len(m.Data) {
		t.Fatalf("encoded %d bytes, want %d", len(b), HeaderSize+len(m.Data))
	}

	h, _ := DecodeHeader(b)
	if h.Length != uint32(len(m.Data)) {
		t.Errorf("Length = %d, want %d", h.Length, len(m.Data))
	}
	if !bytes.Equal(b[HeaderSize:], m.Data) {
		t.Errorf("payload = %q", b[HeaderSize:])
	}
}

func TestEncode_TooShort(t *testing.T) {
	_, err := Encode(NewMessage(TypeResponse, 1, []byte("x")))
	if !errors.Is(err, ErrShortLength) {
		t.Errorf("expected ErrShortLength, got %v", err)
	}
}

func TestReadMessage_OneByteAtATime(t *testing.T) {
	var buf bytes.Buffer
	in := NewMessage(TypeRequestDel, 0xBEEF, []byte(`{"label":[{"label":"a"}]}`))
	if err := WriteMessage(&buf, in); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	out, err := ReadMessage(iotest.OneByteReader(&buf), 0)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if out.Type != in.Type || out.ID != in.ID || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("ReadMessage = %+v, want %+v", out, in)
	}
}

func TestReadMessage_Errors(t *testing.T) {
	t.Run("eof", func(t *testing.T) {
		if _, err := ReadMessage(bytes.NewReader(nil), 0); err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	})

	t.Run("short header", func(t *testing.T) {
		if _, err := ReadMessage(bytes.NewReader([]byte{1, 1, 0}), 0); err != ErrShortHeader {
			t.Errorf("expected ErrShortHeader, got %v", err)
		}
	})

	t.Run("bad version", func(t *testing.T) {
		b := EncodeHeader(Header{Version: 9, Type: TypeNotify, Length: 8})
		if _, err := ReadMessage(bytes.NewReader(b), 0); !errors.Is(err, ErrBadVersion) {
			t.Errorf("expected ErrBadVersion, got %v", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		b := EncodeHeader(Header{Version: Version, Type: TypeNotify, Length: 100})
		if _, err := ReadMessage(bytes.NewReader(b), 10); !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("expected ErrMessageTooLarge, got %v", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		b := append(EncodeHeader(Header{Version: Version, Type: TypeNotify, Length: 8}), 1, 2, 3)
		if _, err := ReadMessage(bytes.NewReader(b), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
		}
	})
}

func TestMask(t *testing.T) {
	masks := []uint64{NotifyNone, NotifyPeerState, NotifyConfig, NotifyAll, 0x0102030405060708}
	for _, mask := range masks {
		if got := DecodeMask(EncodeMask(mask)); got != mask {
			t.Errorf("DecodeMask = %x, want %x", got, mask)
		}
	}

	if b := EncodeMask(0x0102030405060708); !bytes.Equal(b, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("EncodeMask is not big-endian: %x", b)
	}

	if got := DecodeMask([]byte{1, 2}); got != 0x0102000000000000 {
		t.Errorf("short mask = %x, want 0102000000000000", got)
	}
	if got := DecodeMask([]byte{0, 0, 0, 0, 0, 0, 0, 3, 0xff}); got != 3 {
		t.Errorf("long mask = %x, want 3", got)
	}
}

func TestMessageType_String(t *testing.T) {
	if TypeRequestAdd.String() != "request-add" {
		t.Errorf("TypeRequestAdd.String() = %q", TypeRequestAdd.String())
	}
	if MessageType(42).String() != "unknown(42)" {
		t.Errorf("MessageType(42).String() = %q", MessageType(42).String())
	}
}
