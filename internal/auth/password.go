package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// HashCost tunes the argon2id work factor.
type HashCost struct {
	Memory      uint32 `mapstructure:"memory_kib" validate:"gte=8"`
	Iterations  uint32 `mapstructure:"iterations" validate:"gte=1"`
	Parallelism uint8  `mapstructure:"parallelism" validate:"gte=1"`
}

// DefaultHashCost matches the parameters previously used for user passwords.
var DefaultHashCost = HashCost{Memory: 64 * 1024, Iterations: 2, Parallelism: 1}

const (
	saltLength = 16
	keyLength  = 32
)

// Hasher hashes and verifies passwords on a bounded pool of slots so that
// bursts of logins cannot occupy every request goroutine's CPU.
type Hasher struct {
	params *argon2id.Params
	slots  *semaphore.Weighted
	size   int64
	dummy  string
}

// NewHasher builds a hasher. workers <= 0 selects half of GOMAXPROCS. The pool
// always leaves at least one P free for other requests when more than one exists.
func NewHasher(cost HashCost, workers int) (*Hasher, error) {
	if cost.Memory == 0 || cost.Iterations == 0 || cost.Parallelism == 0 {
		return nil, errors.New("auth: hash cost must be positive")
	}
	workers = poolSize(workers, runtime.GOMAXPROCS(0))
	h := &Hasher{
		params: &argon2id.Params{
			Memory:      cost.Memory,
			Iterations:  cost.Iterations,
			Parallelism: cost.Parallelism,
			SaltLength:  saltLength,
			KeyLength:   keyLength,
		},
		slots: semaphore.NewWeighted(int64(workers)),
		size:  int64(workers),
	}

	// Unknown users are verified against this digest so the login path costs the same.
	seed := make([]byte, 24)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummy, err := argon2id.CreateHash(base64.RawStdEncoding.EncodeToString(seed), h.params)
	if err != nil {
		return nil, fmt.Errorf("create dummy digest: %w", err)
	}
	h.dummy = dummy
	return h, nil
}

func poolSize(requested, procs int) int {
	if requested <= 0 {
		requested = procs / 2
	}
	if procs > 1 && requested >= procs {
		requested = procs - 1
	}
	return max(1, requested)
}

// Workers reports the size of the hashing pool.
func (h *Hasher) Workers() int { return int(h.size) }

// Hash returns a salted argon2id digest in PHC string form.
func (h *Hasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", newError(KindInvalidInput, "password is empty", nil)
	}
	release, err := h.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	digest, err := argon2id.CreateHash(plaintext, h.params)
	if err != nil {
		return "", newError(KindInternal, "hash password", err)
	}
	return digest, nil
}

// Verify compares plaintext with digest in constant time. Digests produced by
// bcrypt are still accepted so accounts created before the argon2id switch keep working.
func (h *Hasher) Verify(ctx context.Context, plaintext, digest string) (bool, error) {
	if digest == "" {
		digest = h.dummy
	}
	release, err := h.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	switch {
	case strings.HasPrefix(digest, "$argon2id$"):
		ok, err := argon2id.ComparePasswordAndHash(plaintext, digest)
		if err != nil {
			return false, newError(KindInternal, "compare argon2id digest", err)
		}
		return ok, nil
	case strings.HasPrefix(digest, "$2a$"), strings.HasPrefix(digest, "$2b$"), strings.HasPrefix(digest, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, newError(KindInternal, "compare bcrypt digest", err)
		}
		return true, nil
	default:
		return false, newError(KindInternal, "unsupported digest format", nil)
	}
}

// VerifyDummy spends the same work as Verify against a digest that never matches.
func (h *Hasher) VerifyDummy(ctx context.Context, plaintext string) error {
	_, err := h.Verify(ctx, plaintext, h.dummy)
	return err
}

func (h *Hasher) acquire(ctx context.Context) (func(), error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire hash worker: %w", err)
	}
	return func() { h.slots.Release(1) }, nil
}
