package uuid

import (
	googleuuid "github.com/google/uuid"
)

// New generates a new UUIDv7 string. UUIDv7 is time-ordered, which keeps
// primary key inserts close together in the index.
func New() string {
	id, err := googleuuid.NewV7()
	if err != nil {
		// Fallback to standard UUIDv4 if random generation fails
		return googleuuid.New().String()
	}
	return id.String()
}

// Parse validates and parses a UUID string into its canonical form.
func Parse(s string) (string, error) {
	parsed, err := googleuuid.Parse(s)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}

// IsValid checks if a string is a valid UUID
func IsValid(s string) bool {
	_, err := googleuuid.Parse(s)
	return err == nil
}
