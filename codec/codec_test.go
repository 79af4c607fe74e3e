package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte("ab"),
		[]byte("hello world"),
		{0x00, 0x01, 0xff, 0xfe, 0x85, 0x6f},
		bytes.Repeat([]byte{0xaa}, MaxUpdateSize),
	}
	for _, in := range inputs {
		wire, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %d bytes: %v", len(in), err)
		}
		out, err := Decode(wire)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Errorf("round trip mismatch for %d bytes", len(in))
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	in := []byte("the same bytes every time")
	a, _ := Encode(in)
	b, _ := Encode(in)
	if a != b {
		t.Errorf("encode not deterministic: %q vs %q", a, b)
	}
}

func TestEncodeRejectsEmpty(t *testing.T) {
	if _, err := Encode(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("got %v, want ErrEmpty", err)
	}
}

func TestEncodeRejectsOversized(t *testing.T) {
	in := bytes.Repeat([]byte{1}, MaxUpdateSize+1)
	if _, err := Encode(in); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, wire := range []string{"not base64 !!!", "a", "====", "abc\ndef"} {
		if _, err := Decode(wire); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) = %v, want ErrMalformed", wire, err)
		}
	}
}

func TestDecodeRejectsEmpty(t *testing.T) {
	if _, err := Decode(""); !errors.Is(err, ErrEmpty) {
		t.Errorf("got %v, want ErrEmpty", err)
	}
}

func TestDecodeRejectsOversizedWire(t *testing.T) {
	wire := strings.Repeat("AAAA", (MaxUpdateSize/3)+2)
	if _, err := Decode(wire); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]byte{0x85, 0x6f, 0x4a}); err != nil {
		t.Errorf("valid update rejected: %v", err)
	}
	if err := Validate(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("got %v, want ErrEmpty", err)
	}
	if err := Validate([]byte{1}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short header: got %v, want ErrMalformed", err)
	}
	if err := Validate(bytes.Repeat([]byte{1}, MaxUpdateSize+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestValidateState(t *testing.T) {
	if err := ValidateState(bytes.Repeat([]byte{1}, MaxUpdateSize*2)); err != nil {
		t.Errorf("state under structural limit rejected: %v", err)
	}
	if err := ValidateState(bytes.Repeat([]byte{1}, MaxStateSize+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}
