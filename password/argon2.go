// Package password provides Argon2id hashing and verification using
// the PHC string format, so parameters travel with each hash and can
// be strengthened without invalidating stored credentials.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const phcAlgorithm = "argon2id"

// Params are the Argon2id cost parameters. Memory is in KB.
type Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes and verifies passwords with a fixed parameter set.
type Hasher struct {
	params Params
}

// NewHasher validates the parameter set and returns a Hasher.
func NewHasher(p Params) (*Hasher, error) {
	switch {
	case p.Memory < 8*1024:
		return nil, errors.New("argon2 memory must be >= 8192 KB")
	case p.Time < 1:
		return nil, errors.New("argon2 time must be >= 1")
	case p.Parallelism < 1:
		return nil, errors.New("argon2 parallelism must be >= 1")
	case p.SaltLength < 16:
		return nil, errors.New("argon2 salt length must be >= 16")
	case p.KeyLength < 16:
		return nil, errors.New("argon2 key length must be >= 16")
	}
	return &Hasher{params: p}, nil
}

// Hash derives a key from the password under a fresh random salt and
// returns the PHC-encoded result.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		h.params.Time,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcAlgorithm,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the key under the hash's own parameters and
// compares in constant time. A malformed hash is an error, not a
// mismatch.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	memory, time, parallelism, salt, key, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		salt,
		time,
		memory,
		parallelism,
		uint32(len(key)),
	)

	return subtle.ConstantTimeCompare(computed, key) == 1, nil
}

func decodePHC(encoded string) (memory, time uint32, parallelism uint8, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != phcAlgorithm {
		err = errors.New("malformed password hash")
		return
	}

	var version int
	if _, scanErr := fmt.Sscanf(parts[2], "v=%d", &version); scanErr != nil || version != argon2.Version {
		err = errors.New("unsupported argon2 version")
		return
	}

	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			err = errors.New("malformed hash parameters")
			return
		}
		v, parseErr := strconv.ParseUint(kv[1], 10, 32)
		if parseErr != nil {
			err = errors.New("malformed hash parameters")
			return
		}
		switch kv[0] {
		case "m":
			memory = uint32(v)
		case "t":
			time = uint32(v)
		case "p":
			if v > 255 {
				err = errors.New("malformed hash parameters")
				return
			}
			parallelism = uint8(v)
		default:
			err = errors.New("malformed hash parameters")
			return
		}
	}
	if memory == 0 || time == 0 || parallelism == 0 {
		err = errors.New("missing hash parameters")
		return
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < 16 {
		err = errors.New("malformed hash salt")
		return
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		err = errors.New("malformed hash key")
		return
	}
	return
}
