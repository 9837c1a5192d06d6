package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PasswordHash holds the argon2id parameters and output of one hashed password.
type PasswordHash struct {
	Hash    []byte
	Salt    []byte
	Time    uint32 // iterations
	Memory  uint32 // memory parameter in KiB
	Threads uint8
	KeyLen  uint32
}

// PasswordHasher hashes password field values with argon2id.
type PasswordHasher struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen int
	rand    io.Reader
}

// NewPasswordHasher returns a hasher with the recommended argon2id parameters:
// one iteration, 64 MB of memory, four threads and a 32 byte key.
func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{
		Time:    1,
		Memory:  64 * 1024,
		Threads: 4,
		KeyLen:  32,
		SaltLen: 16,
		rand:    rand.Reader,
	}
}

const hashPrefix = "$argon2id$"

// Hash hashes plain with a fresh random salt and returns the encoded form
// $argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>.
func (h *PasswordHasher) Hash(plain string) (string, error) {
	r := h.rand
	if r == nil {
		r = rand.Reader
	}
	salt := make([]byte, h.SaltLen)
	if _, err := io.ReadFull(r, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	ph := PasswordHash{
		Salt:    salt,
		Time:    h.Time,
		Memory:  h.Memory,
		Threads: h.Threads,
		KeyLen:  h.KeyLen,
	}
	ph.Hash = argon2.IDKey([]byte(plain), ph.Salt, ph.Time, ph.Memory, ph.Threads, ph.KeyLen)
	return ph.Encode(), nil
}

// Verify reports whether plain matches an encoded hash. The parameters stored in the
// encoded hash are used, so hashes survive a change of the hasher's settings.
func (h *PasswordHasher) Verify(plain, encoded string) (bool, error) {
	ph, err := ParsePasswordHash(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(plain), ph.Salt, ph.Time, ph.Memory, ph.Threads, ph.KeyLen)
	return subtle.ConstantTimeCompare(candidate, ph.Hash) == 1, nil
}

// IsHashed reports whether value already is an encoded argon2id hash.
func (h *PasswordHasher) IsHashed(value string) bool {
	if !strings.HasPrefix(value, hashPrefix) {
		return false
	}
	_, err := ParsePasswordHash(value)
	return err == nil
}

// Encode renders the hash in the PHC string format.
func (p PasswordHash) Encode() string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		hashPrefix, argon2.Version, p.Memory, p.Time, p.Threads,
		enc.EncodeToString(p.Salt), enc.EncodeToString(p.Hash))
}

// ParsePasswordHash decodes the PHC string produced by Encode.
func ParsePasswordHash(encoded string) (PasswordHash, error) {
	var ph PasswordHash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return ph, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return ph, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if version != argon2.Version {
		return ph, ErrIncompatibleVersion
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &ph.Memory, &ph.Time, &ph.Threads); err != nil {
		return ph, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}

	enc := base64.RawStdEncoding
	var err error
	if ph.Salt, err = enc.DecodeString(parts[4]); err != nil {
		return ph, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if ph.Hash, err = enc.DecodeString(parts[5]); err != nil {
		return ph, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	ph.KeyLen = uint32(len(ph.Hash))
	return ph, nil
}
