package hdlc

import (
	"bytes"
	"errors"
	"testing"
)

func TestCalcCRCLiteralVectors(t *testing.T) {
	cases := []struct {
		name string
		msg  []byte
		crc  []byte
	}{
		{"single byte", []byte{0x01}, []byte{0xF1, 0xE1}},
		{"multi byte", []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xC0, 0xFE, 0xC0, 0x1A, 0xC0, 0xFF, 0xEE}, []byte{0x35, 0x3A}},
		{"flag and esc bytes", []byte{0x7E, 0x7D}, []byte{0xF1, 0xCD}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := CalcCRC(c.msg)
			if err != nil {
				t.Fatalf("CalcCRC: %v", err)
			}
			if !bytes.Equal(got, c.crc) {
				t.Errorf("CalcCRC(%x) = %x, want %x", c.msg, got, c.crc)
			}
		})
	}
}

func TestCalcCRCEmpty(t *testing.T) {
	if _, err := CalcCRC(nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("CalcCRC(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestVerifyCRC(t *testing.T) {
	msg := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	crc, err := CalcCRC(msg)
	if err != nil {
		t.Fatalf("CalcCRC: %v", err)
	}
	ok, err := VerifyCRC(append(append([]byte{}, msg...), crc...))
	if err != nil || !ok {
		t.Fatalf("VerifyCRC(msg||crc) = %v, %v, want true, nil", ok, err)
	}

	// flipping any byte must invalidate the CRC
	for i := range msg {
		bad := append([]byte{}, msg...)
		bad[i] ^= 0xFF
		bad = append(bad, crc...)
		ok, err := VerifyCRC(bad)
		if err != nil {
			t.Fatalf("VerifyCRC: %v", err)
		}
		if ok {
			t.Errorf("VerifyCRC should fail with byte %d flipped", i)
		}
	}
}

func TestEscapeUnescapeRoundtrip(t *testing.T) {
	cases := [][]byte{
		{0x01},
		{0x7E, 0x7D},
		{0xDE, 0xAD, 0xBE, 0xEF, 0xC0, 0xFE, 0xC0, 0x1A, 0xC0, 0xFF, 0xEE},
	}
	for _, b := range cases {
		escaped, err := Escape(b)
		if err != nil {
			t.Fatalf("Escape: %v", err)
		}
		got, err := Unescape(escaped)
		if err != nil {
			t.Fatalf("Unescape: %v", err)
		}
		if !bytes.Equal(got, b) {
			t.Errorf("Unescape(Escape(%x)) = %x, want %x", b, got, b)
		}
	}
}

func TestEscapeLiteral(t *testing.T) {
	got, err := Escape([]byte{0x7E, 0x7D})
	if err != nil {
		t.Fatalf("Escape: %v", err)
	}
	want := []byte{0x7D, 0x5E, 0x7D, 0x5D}
	if !bytes.Equal(got, want) {
		t.Errorf("Escape(7E 7D) = %x, want %x", got, want)
	}
}

func TestEscapeEmpty(t *testing.T) {
	if _, err := Escape(nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Escape(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestUnescapeTrailingEscape(t *testing.T) {
	if _, err := Unescape([]byte{0x01, Esc}); !errors.Is(err, ErrUnterminatedEscape) {
		t.Errorf("Unescape trailing esc error = %v, want ErrUnterminatedEscape", err)
	}
}

func TestHDLCifyLiteralVectors(t *testing.T) {
	got, err := HDLCify([]byte{0x01})
	if err != nil {
		t.Fatalf("HDLCify: %v", err)
	}
	want := []byte{0x7E, 0x01, 0xF1, 0xE1, 0x7E}
	if !bytes.Equal(got, want) {
		t.Errorf("HDLCify(01) = %x, want %x", got, want)
	}
}

func TestHDLCifyEmpty(t *testing.T) {
	if _, err := HDLCify(nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("HDLCify(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestDeHDLCifyRoundtrip(t *testing.T) {
	msgs := [][]byte{
		{0x01},
		{0x7E, 0x7D},
		{0xDE, 0xAD, 0xBE, 0xEF, 0xC0, 0xFE, 0xC0, 0x1A, 0xC0, 0xFF, 0xEE},
	}
	for _, m := range msgs {
		frame, err := HDLCify(m)
		if err != nil {
			t.Fatalf("HDLCify: %v", err)
		}
		got, err := DeHDLCify(frame)
		if err != nil {
			t.Fatalf("DeHDLCify: %v", err)
		}
		if !bytes.Equal(got, m) {
			t.Errorf("DeHDLCify(HDLCify(%x)) = %x, want %x", m, got, m)
		}
	}
}

func TestDeHDLCifyShortFrame(t *testing.T) {
	frame := []byte{Flag, 0x01, 0x02, Flag}
	if _, err := DeHDLCify(frame); !errors.Is(err, ErrPacketTooShort) {
		t.Errorf("DeHDLCify(short) error = %v, want ErrPacketTooShort", err)
	}
}

func TestDeHDLCifyWrongCRC(t *testing.T) {
	frame := []byte{Flag, 0x01, 0xF1, 0xE2, Flag}
	if _, err := DeHDLCify(frame); !errors.Is(err, ErrWrongCRC) {
		t.Errorf("DeHDLCify(bad crc) error = %v, want ErrWrongCRC", err)
	}
}

func TestDeHDLCifyUnframed(t *testing.T) {
	if _, err := DeHDLCify([]byte{0x01, 0x02}); !errors.Is(err, ErrUnframed) {
		t.Errorf("DeHDLCify(unframed) error = %v, want ErrUnframed", err)
	}
}
