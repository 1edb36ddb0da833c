package outbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// TimestampWindow is the maximum age of a signed webhook before receivers
// should reject it.
const TimestampWindow = 5 * time.Minute

const (
	headerTimestamp = "X-Prism-Timestamp"
	headerSignature = "X-Prism-Signature"
)

// SignRequest adds X-Prism-Timestamp and X-Prism-Signature headers to an
// outgoing webhook. The HMAC-SHA256 signature covers:
//
//	method + path + timestamp + body
func SignRequest(req *http.Request, secret string, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, hex.EncodeToString(signature(secret, req.Method, req.URL.Path, ts, body)))
}

// VerifyRequest checks a webhook signed by SignRequest:
//  1. The timestamp is within TimestampWindow of the current time.
//  2. The signature matches the reconstructed message.
func VerifyRequest(req *http.Request, secret string, body []byte) error {
	tsStr := req.Header.Get(headerTimestamp)
	sigHex := req.Header.Get(headerSignature)
	if tsStr == "" {
		return fmt.Errorf("missing %s header", headerTimestamp)
	}
	if sigHex == "" {
		return fmt.Errorf("missing %s header", headerSignature)
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	diff := math.Abs(float64(time.Now().Unix() - ts))
	if diff > TimestampWindow.Seconds() {
		return fmt.Errorf("timestamp expired: %.0fs drift exceeds %v window", diff, TimestampWindow)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !hmac.Equal(sig, signature(secret, req.Method, req.URL.Path, tsStr, body)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func signature(secret, method, path, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + path + ts))
	mac.Write(body)
	return mac.Sum(nil)
}
