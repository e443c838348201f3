package sessionstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// idLength is the length of generated session ids
const idLength = 24

func newSessionID() (string, error) {
	return gonanoid.New(idLength)
}

// sign returns "<id>.<mac>" where mac is the unpadded base64url HMAC-SHA256
// of id under secret.
func sign(id string, secret []byte) string {
	return id + "." + computeMAC(id, secret)
}

// unsign verifies a signed value and returns the id it carries
func unsign(value string, secret []byte) (string, bool) {
	idx := strings.LastIndexByte(value, '.')
	if idx <= 0 || idx == len(value)-1 {
		return "", false
	}
	id, mac := value[:idx], value[idx+1:]
	expected := computeMAC(id, secret)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return "", false
	}
	return id, true
}

func computeMAC(id string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
