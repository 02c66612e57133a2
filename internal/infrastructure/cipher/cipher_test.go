package cipher

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewAESGCM_KeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", testKey, false},
		{"valid with whitespace", " " + testKey + "\n", false},
		{"too short", testKey[:62], true},
		{"not hex", strings.Repeat("zz", 32), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESGCM(tt.key)
			if tt.wantErr && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("NewAESGCM() error = %v, want ErrInvalidKey", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("NewAESGCM() error = %v", err)
			}
		})
	}
}

func TestAESGCM_RoundTrip(t *testing.T) {
	c, err := NewAESGCM(testKey)
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte(`{"living_room_temp":21.5}`)

	a, err := c.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.Encrypt(plain)
	if bytes.Equal(a, b) {
		t.Error("two encryptions produced identical ciphertext")
	}

	got, err := c.Decrypt(a)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Decrypt() = %s, want %s", got, plain)
	}
}

func TestAESGCM_DecryptRejects(t *testing.T) {
	c, _ := NewAESGCM(testKey)
	other, _ := NewAESGCM(strings.Repeat("ab", 32))

	sealed, _ := c.Encrypt([]byte("payload"))

	if _, err := c.Decrypt(sealed[:5]); !errors.Is(err, ErrCiphertextShort) {
		t.Errorf("short ciphertext error = %v", err)
	}
	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("Decrypt() with wrong key succeeded")
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Decrypt(sealed); err == nil {
		t.Error("Decrypt() of tampered ciphertext succeeded")
	}
}
