package crypto

import (
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/mr-tron/base58"
)

// didPattern validates the produced DID format:
// did:<method>:<base58btc(sha256(pubkey)[:20])>
var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[1-9A-HJ-NP-Za-km-z]+$`)

// DeriveDID computes did:<method>:base58btc(SHA256(pubkey)[:20]).
func DeriveDID(method string, publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	enc := base58.Encode(sum[:20])
	return fmt.Sprintf("did:%s:%s", method, enc)
}

// ValidDID reports whether s matches the DID grammar.
func ValidDID(s string) bool {
	return didPattern.MatchString(s)
}
