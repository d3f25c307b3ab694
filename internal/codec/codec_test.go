package codec

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		[]byte("hi"),
		[]byte("line1\nline2\r\n"),
		[]byte("a:b:c|d,e;f"),
		[]byte("héllo wörld ✓"),
		{0x00, 0xff, 0x10, 0x00, 0x7f},
	}
	for _, in := range inputs {
		token := Encode(in)
		out, err := Decode(token)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", token, err)
		}
		if !bytes.Equal(in, out) {
			t.Errorf("round trip mismatch: in=%v out=%v", in, out)
		}
	}
}

func TestEncodeEmptyIsNonNil(t *testing.T) {
	token := EncodeString("")
	got, err := DecodeString(token)
	if err != nil {
		t.Fatalf("DecodeString failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestEncodeIsPrintable(t *testing.T) {
	token := Encode([]byte{0x00, 0x01, 0x02, '\n', 0xfe})
	for _, r := range token {
		if r < 0x20 || r > 0x7e {
			t.Fatalf("token contains non-printable rune %q", r)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("%%%not-base64"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	type payload struct {
		Key  string `json:"key"`
		Body string `json:"message"`
	}
	in := payload{Key: "dm:a:b", Body: "hi\x00there"}
	token, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out payload
	if err := Unmarshal(token, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}
