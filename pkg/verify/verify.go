// Package verify checks the integrity of a flashed image against the digest
// its manifest declared.
package verify

import (
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/glowdeck/glowdeck/pkg/types"
)

// readChunk bounds slot reads during the digest fold.
const readChunk = 4096

// Verify re-reads exactly declaredSize bytes from r, folds them through
// SHA-256, and compares against declaredHex case-insensitively.
//
// Hashing covers only declaredSize bytes, never the slot's physical capacity:
// a slot that previously held a larger image retains residual trailing bytes
// which must not affect the result.
//
// An empty declaredHex returns VerifySkipped so the bypass is explicit; it is
// never reported as a match.
func Verify(r io.Reader, declaredSize int64, declaredHex string) (types.VerifyStatus, error) {
	if declaredHex == "" {
		log.Warnf("No digest declared, skipping integrity verification")
		return types.VerifySkipped, nil
	}
	if declaredSize <= 0 {
		return types.VerifyMismatch, fmt.Errorf("cannot verify %d bytes", declaredSize)
	}

	digester := digest.SHA256.Digester()
	n, err := io.CopyBuffer(digester.Hash(), io.LimitReader(r, declaredSize), make([]byte, readChunk))
	if err != nil {
		return types.VerifyMismatch, fmt.Errorf("read slot for verification: %w", err)
	}
	if n != declaredSize {
		return types.VerifyMismatch, fmt.Errorf("slot holds %d bytes, declared %d", n, declaredSize)
	}

	actual := digester.Digest().Encoded()
	if !strings.EqualFold(actual, declaredHex) {
		log.Errorf("Checksum mismatch: declared %s, computed %s", declaredHex, actual)
		return types.VerifyMismatch, nil
	}
	log.Debugf("Checksum verified over %d bytes: %s", declaredSize, actual)
	return types.VerifyMatch, nil
}
