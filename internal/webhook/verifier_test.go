package webhook

import (
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACVerifier(t *testing.T) {
	body := []byte(`{"webhookId":"wh_1"}`)
	verifier := NewHMACVerifier("secret")
	valid := hex.EncodeToString(Sign([]byte("secret"), body))

	tests := []struct {
		name      string
		signature string
		body      []byte
		wantErr   bool
	}{
		{"valid", valid, body, false},
		{"valid with prefix", "sha256=" + valid, body, false},
		{"missing", "", body, true},
		{"not hex", "zz", body, true},
		{"wrong key", hex.EncodeToString(Sign([]byte("other"), body)), body, true},
		{"tampered body", valid, []byte(`{"webhookId":"wh_2"}`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.signature != "" {
				header.Set(AlchemySignatureHeader, tt.signature)
			}
			err := verifier.Verify(header, tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewVerifier(t *testing.T) {
	assert.IsType(t, NoopVerifier{}, NewVerifier(""))
	assert.NoError(t, NewVerifier("").Verify(http.Header{}, []byte("anything")))
	assert.IsType(t, &HMACVerifier{}, NewVerifier("key"))

	custom := NewHMACVerifier("key").WithHeader("X-Signature-256")
	header := http.Header{}
	header.Set("X-Signature-256", hex.EncodeToString(Sign([]byte("key"), []byte("x"))))
	assert.NoError(t, custom.Verify(header, []byte("x")))
}
