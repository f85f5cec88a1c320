package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "olr_"

// GenerateMachineToken creates a token of the form olr_<uuid>_<secret> and
// returns it with the hash to put into the configuration.
func GenerateMachineToken() (token, hash string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token = fmt.Sprintf("%s%s_%s", machineTokenPrefix, uuid.NewString(), hex.EncodeToString(secret))
	return token, HashToken(token), nil
}

// HashToken is the hex SHA-256 of a machine token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func ValidTokenFormat(token string) bool {
	if !strings.HasPrefix(token, machineTokenPrefix) {
		return false
	}

	rest := token[len(machineTokenPrefix):]
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || len(secret) != 64 {
		return false
	}
	if _, err := uuid.Parse(id); err != nil {
		return false
	}
	_, err := hex.DecodeString(secret)
	return err == nil
}
