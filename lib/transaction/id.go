package transaction

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a fresh transaction id: 122 random bits rendered as 32
// hex characters. The space is large enough that collisions with pending ids
// are not checked for; Registry.Add still refuses duplicates.
func GenerateID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}
