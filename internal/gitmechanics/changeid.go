package gitmechanics

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/lucasnoah/gitswarm/internal/id"
)

// newStreamID mints a canonical id for a newly created stream branch.
func newStreamID() string {
	return id.Generate()
}

// newChangeID mints a Gerrit-style Change-Id trailer, distinct from the
// canonical id format since it's a git-commit-message convention rather
// than a federation entity id.
func newChangeID() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return "I" + hex.EncodeToString(b)
}
