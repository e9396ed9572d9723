package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const signaturePrefix = "sha256="

// SignHMAC signs "<unix ts>.<body>" with the shared secret and returns the X-Signature value.
func SignHMAC(secret string, ts time.Time, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, ts.Unix(), body))
}

// VerifyHMAC checks a signature made by SignHMAC. tsHeader is the X-Signature-Timestamp value;
// signatures older than tolerance are rejected.
func VerifyHMAC(secret, tsHeader string, body []byte, provided string, now time.Time, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return errors.New("bad signature timestamp")
	}
	if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
		return errors.New("signature timestamp outside tolerance")
	}
	b, err := hex.DecodeString(strings.TrimPrefix(provided, signaturePrefix))
	if err != nil {
		return errors.New("bad signature encoding")
	}
	if !hmac.Equal(mac(secret, ts, body), b) {
		return errors.New("signature mismatch")
	}
	return nil
}

func mac(secret string, ts int64, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}
