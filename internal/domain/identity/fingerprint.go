package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 32

// Fingerprint derives a deterministic device fingerprint from the request
// attributes. The same inputs always produce the same fingerprint, so a
// returning device maps onto its device-scoped bundles without cookies.
// A client token, when the device presents one, widens the input so two
// devices behind one router with identical user agents stay distinct.
func Fingerprint(userAgent, routerID, clientToken string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(userAgent)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(routerID)))
	if clientToken != "" {
		h.Write([]byte{0})
		h.Write([]byte(clientToken))
	}
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}
