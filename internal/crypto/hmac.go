package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// SignPayload returns hex(HMAC-SHA256(secret, timestamp + "." + body)), the
// signature carried by outbound webhooks.
func SignPayload(secret []byte, unixTS int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(unixTS, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload reports whether sig is the SignPayload signature of body.
func VerifyPayload(secret []byte, unixTS int64, body []byte, sig string) bool {
	want := SignPayload(secret, unixTS, body)
	return hmac.Equal([]byte(want), []byte(sig))
}
