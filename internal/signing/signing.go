// Package signing computes and checks the provider webhook signatures the
// backend verifies before it accepts an event.
package signing

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	ErrMissingSecret    = errors.New("signing: missing telnyx webhook secret")
	ErrInvalidSignature = errors.New("signing: invalid signature")
	ErrStaleTimestamp   = errors.New("signing: timestamp outside tolerance")
)

// TelnyxTolerance is the accepted distance between a Telnyx timestamp and now.
const TelnyxTolerance = 5 * time.Minute

// TelnyxSignature returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func TelnyxSignature(secret, timestamp string, body []byte) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SquareSignature returns base64(HMAC-SHA1(key, notificationURL + body)).
// An empty key means unsigned mode and yields "".
func SquareSignature(key, notificationURL string, body []byte) string {
	if key == "" {
		return ""
	}
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyTelnyx checks signature and timestamp freshness against now.
func VerifyTelnyx(secret, timestamp, signature string, body []byte, now time.Time) error {
	expected, err := TelnyxSignature(secret, timestamp, body)
	if err != nil {
		return err
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > TelnyxTolerance {
		return ErrStaleTimestamp
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifySquare checks a Square signature. With an empty key every request passes.
func VerifySquare(key, notificationURL, signature string, body []byte) error {
	if key == "" {
		return nil
	}
	expected := SquareSignature(key, notificationURL, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
