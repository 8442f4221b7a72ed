package protocol

import (
	"errors"
	"testing"
)

func TestEncodeRawAppendsTerminator(t *testing.T) {
	got := NewCodec(EncodingRaw).Encode("status")
	if string(got) != "status\r" {
		t.Errorf("Encode() = %q, want %q", got, "status\r")
	}
}

func TestEncodeBase64(t *testing.T) {
	// base64("status\r")
	got := NewCodec(EncodingBase64).Encode("status")
	if string(got) != "c3RhdHVzDQ==" {
		t.Errorf("Encode() = %q, want %q", got, "c3RhdHVzDQ==")
	}
}

func TestCatalogRoundTrip(t *testing.T) {
	commands := []Command{
		SetTargetTemperatureCommand(60),
		SetTimerCommand(90),
	}
	for _, key := range Keys() {
		if key.Parameterized() {
			continue
		}
		commands = append(commands, MustCommand(key))
	}

	for _, enc := range []Encoding{EncodingRaw, EncodingBase64} {
		codec := NewCodec(enc)
		for _, cmd := range commands {
			t.Run(string(enc)+"/"+string(cmd.Key), func(t *testing.T) {
				got, err := codec.Decode(codec.Encode(cmd.String()))
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				if got != cmd.String() {
					t.Errorf("Decode(Encode(%q)) = %q", cmd.String(), got)
				}
			})
		}
	}
}

func TestDecodeStripsOnlyOneTerminator(t *testing.T) {
	got, err := NewCodec(EncodingRaw).Decode([]byte("60.0\r\r"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "60.0\r" {
		t.Errorf("Decode() = %q, want %q", got, "60.0\r")
	}
}

func TestDecodeWithoutTerminator(t *testing.T) {
	got, err := NewCodec(EncodingRaw).Decode([]byte("running"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "running" {
		t.Errorf("Decode() = %q, want %q", got, "running")
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		data  []byte
	}{
		{"empty raw", NewCodec(EncodingRaw), nil},
		{"terminator only", NewCodec(EncodingRaw), []byte("\r")},
		{"bad base64", NewCodec(EncodingBase64), []byte("!!not base64!!")},
		{"empty base64", NewCodec(EncodingBase64), []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decode(tt.data)
			if !errors.Is(err, ErrDecode) {
				t.Errorf("Decode() error = %v, want ErrDecode", err)
			}
		})
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		input   string
		want    Encoding
		wantErr bool
	}{
		{"raw", EncodingRaw, false},
		{"", EncodingRaw, false},
		{"BASE64", EncodingBase64, false},
		{"hex", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEncoding(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEncoding(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseEncoding(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
