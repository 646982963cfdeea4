package session

import (
	"errors"
	"fmt"

	"github.com/biome/gateway/internal/seeds"
)

// User-facing error strings. Clients key off these to decide whether to
// re-list seeds, so the wording is part of the protocol.
const (
	msgMissingFilename   = "Missing filename"
	msgMissingModel      = "Missing model id"
	msgHandshakeTimeout  = "Timeout waiting for initial seed"
	msgRecovered         = "Recovered from CUDA error - engine reset"
	msgRecoveryFailed    = "CUDA error - recovery failed. Please reconnect."
	msgIntegrityFailed   = "File integrity verification failed - please rescan seeds"
	msgSeedNotInCacheFmt = "Seed '%s' not in safety cache"
	msgSeedUnsafeFmt     = "Seed '%s' marked as unsafe"
	msgSeedMissingFmt    = "Seed file not found: %s"
)

// seedErrorMessage maps a verification failure to its protocol string.
func seedErrorMessage(filename string, err error) string {
	switch {
	case errors.Is(err, seeds.ErrNotFound):
		return fmt.Sprintf(msgSeedNotInCacheFmt, filename)
	case errors.Is(err, seeds.ErrUnsafe):
		return fmt.Sprintf(msgSeedUnsafeFmt, filename)
	case errors.Is(err, seeds.ErrFileMissing):
		return fmt.Sprintf(msgSeedMissingFmt, filename)
	case errors.Is(err, seeds.ErrIntegrity):
		return msgIntegrityFailed
	default:
		return err.Error()
	}
}
