package auth

import "errors"

// ErrInvalidHash is returned when an encoded password hash cannot be parsed.
var ErrInvalidHash = errors.New("invalid password hash")

// ErrIncompatibleVersion is returned for hashes produced by another argon2 version.
var ErrIncompatibleVersion = errors.New("incompatible argon2 version")
