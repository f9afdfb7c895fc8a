package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

var ErrSignatureMalformed = errors.New("crypto: signature missing sha256= prefix")

// SignBody returns the "sha256=<hex>" signature of body under secret, the
// same format the ingest endpoint expects on the incoming signature header
// and the http-webhook transport writes on outbound delivery.
func SignBody(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(hmacSHA256(body, secret))
}

// VerifySignature reports whether signature (as received on the incoming
// signature header, "sha256=<hex>") matches the HMAC-SHA-256 of body under
// secret. Comparison is constant-time to avoid timing side channels.
func VerifySignature(body []byte, secret, signature string) (bool, error) {
	hexDigest, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false, ErrSignatureMalformed
	}
	got, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false, ErrSignatureMalformed
	}
	expected := hmacSHA256(body, secret)
	return hmac.Equal(got, expected), nil
}

func hmacSHA256(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// PayloadHash returns the hex-encoded SHA-256 digest of a raw payload, as
// stored on Event.PayloadHash.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
