package variant

import (
	"encoding/hex"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Identity is what distinguishes one version of a source from another.
type Identity struct {
	ModTime time.Time
	Size    int64
}

const digestLen = 12

// ETag returns the quoted validation token for a source and parameters.
// The same identity and canonical parameters always give the same token.
func ETag(id Identity, p Params) string {
	tag := `"` + strconv.FormatInt(id.ModTime.UnixMilli(), 16) + "-" + strconv.FormatInt(id.Size, 16)
	if c := p.Canonical(); c != nil {
		sum := blake2b.Sum256(c)
		tag += "-" + hex.EncodeToString(sum[:digestLen])
	}
	return tag + `"`
}
