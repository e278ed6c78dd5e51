package capability

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// CountToken estimates the token count of text as ceil(runes/4).
func CountToken(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}

// StrToBase64 returns prefix followed by the base64 encoding of text.
func StrToBase64(text, prefix string) string {
	return prefix + base64.StdEncoding.EncodeToString([]byte(text))
}

// HMACSign is the result of CreateHMAC.
type HMACSign struct {
	Timestamp string `json:"timestamp"`
	Sign      string `json:"sign"`
}

var hmacAlgorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// signEscaper percent-encodes the base64 characters that are not safe in
// a URL path, leaving "/" as is.
var signEscaper = strings.NewReplacer("+", "%2B", "=", "%3D")

// CreateHMAC signs "<millis>\n<secret>" with secret as key and returns the
// timestamp and the percent-encoded base64 signature.
func CreateHMAC(algorithm, secret string, now time.Time) (HMACSign, error) {
	newHash, ok := hmacAlgorithms[strings.ToLower(strings.ReplaceAll(algorithm, "-", ""))]
	if !ok {
		return HMACSign{}, fmt.Errorf("unsupported hmac algorithm %q", algorithm)
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(newHash, []byte(secret))
	mac.Write([]byte(ts + "\n" + secret))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return HMACSign{Timestamp: ts, Sign: signEscaper.Replace(sign)}, nil
}

// Delay blocks for ms milliseconds or until the task context is done.
func (s *Session) Delay(ms int) error {
	d := time.Duration(ms) * time.Millisecond
	if d > s.cfg.MaxDelay {
		return fmt.Errorf("Delay must be <= %dms", s.cfg.MaxDelay.Milliseconds())
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}
