package sandbox

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

const (
	tagLength   = 16
	tagAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	// largest multiple of len(tagAlphabet) that fits in a byte
	tagCutoff = 256 - 256%len(tagAlphabet)
)

// newTag returns a random identifier of lowercase letters and digits, used as
// both the execution id and the image/container name.
func newTag() string {
	tag := make([]byte, 0, tagLength)
	buf := make([]byte, tagLength*2)
	for len(tag) < tagLength {
		rand.Read(buf)
		for _, b := range buf {
			if int(b) >= tagCutoff {
				continue
			}
			tag = append(tag, tagAlphabet[int(b)%len(tagAlphabet)])
			if len(tag) == tagLength {
				break
			}
		}
	}
	return string(tag)
}

// newAuthCode returns a 32 character random hex secret.
func newAuthCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
