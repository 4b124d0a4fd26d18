package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed with secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the HMAC-SHA256 of payload, byte for byte
// as received. An empty secret never verifies.
func Verify(secret, payload []byte, signature string) error {
	if len(secret) == 0 {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

// ClientPayload builds the evidence payload a client confirmation is signed
// over: "<provider order id>|<provider payment id>".
func ClientPayload(providerOrderID, paymentID string) []byte {
	return []byte(providerOrderID + "|" + paymentID)
}
