package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHMAC_EmptySecret(t *testing.T) {
	_, err := NewHMAC("")
	assert.Error(t, err)
}

func TestHMAC_KnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	h, err := NewHMAC("Jefe")
	require.NoError(t, err)

	sig := h.Sign([]byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", sig)
}

func TestHMAC_Verify(t *testing.T) {
	h, err := NewHMAC("default-dev-secret")
	require.NoError(t, err)

	payload := []byte("firmware image v1.0.1")
	sig := h.Sign(payload)

	tests := []struct {
		name    string
		payload []byte
		sig     string
		wantErr bool
	}{
		{"valid", payload, sig, false},
		{"valid uppercase hex", payload, strings.ToUpper(sig), false},
		{"other payload", []byte("firmware image v1.0.2"), sig, true},
		{"truncated signature", payload, sig[:32], true},
		{"not hex", payload, "zz" + sig[2:], true},
		{"empty signature", payload, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Verify(tt.payload, tt.sig)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHMAC_SingleBitFlip(t *testing.T) {
	h, err := NewHMAC("default-dev-secret")
	require.NoError(t, err)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	sig := h.Sign(payload)
	require.NoError(t, h.Verify(payload, sig))

	for _, pos := range []int{0, 1, 2047, 4095} {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), payload...)
			flipped[pos] ^= 1 << bit
			assert.ErrorIs(t, h.Verify(flipped, sig), ErrMismatch, "byte %d bit %d", pos, bit)
		}
	}
}

func TestHMAC_DifferentSecret(t *testing.T) {
	a, err := NewHMAC("secret-a")
	require.NoError(t, err)
	b, err := NewHMAC("secret-b")
	require.NoError(t, err)

	payload := []byte("image")
	assert.ErrorIs(t, b.Verify(payload, a.Sign(payload)), ErrMismatch)
}

func TestRequestPayload(t *testing.T) {
	got := string(RequestPayload("post", "/api/heartbeat", 1700000000, []byte(`{}`)))
	assert.Equal(t,
		"POST\n/api/heartbeat\n1700000000\n44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a",
		got)
}

func TestVerifyDigest(t *testing.T) {
	payload := []byte("image")
	assert.NoError(t, VerifyDigest(payload, Digest(payload)))
	assert.Error(t, VerifyDigest([]byte("imagf"), Digest(payload)))
	assert.Error(t, VerifyDigest(payload, "xyz"))
}
