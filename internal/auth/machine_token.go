package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MachineTokenPrefix marks long-lived tokens issued to beamline automation.
const MachineTokenPrefix = "mdc_"

// GenerateMachineToken returns a new token and the hash to store for it.
// Format: mdc_<uuid>_<64 hex chars>
func GenerateMachineToken() (token, hash string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate token secret: %w", err)
	}

	token = fmt.Sprintf("%s%s_%s", MachineTokenPrefix, uuid.NewString(), hex.EncodeToString(secret))
	return token, HashMachineToken(token), nil
}

// HashMachineToken is the stored lookup key of a token.
func HashMachineToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func IsMachineToken(token string) bool {
	if !strings.HasPrefix(token, MachineTokenPrefix) {
		return false
	}
	id, secret, ok := strings.Cut(strings.TrimPrefix(token, MachineTokenPrefix), "_")
	if !ok || len(secret) != 64 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
