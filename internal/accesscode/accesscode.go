// Package accesscode owns the lifecycle of access codes gating session
// creation: generation, validation with use counting, expiry, and revocation.
//
// Codes live in the key-value backend; this package holds no authoritative
// copy. Every mutation of a single code goes through kv.Store.Update so that
// concurrent validations of a one-use code yield exactly one grant.
package accesscode

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/wh15p3r/signaling/internal/kv"
)

// alphabet is the unambiguous code alphabet: uppercase letters and digits
// with visually confusable characters (I, O, 0, 1) removed.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// MinLength is enforced for generated codes regardless of the caller's
	// requested length.
	MinLength = 8

	// MinAddLength is the minimum accepted length for caller-chosen codes.
	MinAddLength = 6

	// generateRetries bounds collision retries during generation.
	generateRetries = 10

	keyPrefix = "access_codes:"
)

var (
	// ErrGenerationExhausted means every generated candidate collided with a
	// stored code. With 33^8 possibilities this indicates a broken random
	// source or a pathologically full store.
	ErrGenerationExhausted = errors.New("accesscode: code generation exhausted retries")

	// ErrCodeExists is returned by Add when the caller-chosen code is taken.
	ErrCodeExists = errors.New("accesscode: code already exists")

	// ErrCodeTooShort is returned by Add for codes under MinAddLength.
	ErrCodeTooShort = errors.New("accesscode: code too short")
)

// Outcome classifies a validation attempt.
type Outcome int

const (
	Granted Outcome = iota
	NotFound
	Expired
	Exhausted
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case NotFound:
		return "not_found"
	case Expired:
		return "expired"
	case Exhausted:
		return "exhausted"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Code is the stored representation of an access code.
type Code struct {
	Code      string     `json:"code"`
	Created   time.Time  `json:"created"`
	UsedCount int        `json:"usedCount"`
	MaxUses   int        `json:"maxUses"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Summary is the admin listing view of a code.
type Summary struct {
	Code      string     `json:"code"`
	Created   time.Time  `json:"created"`
	UsedCount int        `json:"usedCount"`
	MaxUses   int        `json:"maxUses"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Active    bool       `json:"active"`
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store manages access codes on top of a key-value backend.
type Store struct {
	kv    kv.Store
	clock Clock
}

func NewStore(backend kv.Store, clock Clock) *Store {
	if clock == nil {
		clock = realClock{}
	}
	return &Store{kv: backend, clock: clock}
}

// Generate draws a fresh random code and stores it.
//
// length is clamped up to MinLength; maxUses <= 0 means single-use;
// expiresInHours <= 0 means the code never expires.
func (s *Store) Generate(ctx context.Context, length, maxUses, expiresInHours int) (Code, error) {
	if length < MinLength {
		length = MinLength
	}
	if maxUses <= 0 {
		maxUses = 1
	}

	for attempt := 0; attempt < generateRetries; attempt++ {
		candidate, err := randomCode(length)
		if err != nil {
			return Code{}, err
		}

		code, err := s.insert(ctx, candidate, maxUses, expiresInHours)
		if errors.Is(err, ErrCodeExists) {
			continue
		}
		if err != nil {
			return Code{}, err
		}
		return code, nil
	}
	return Code{}, ErrGenerationExhausted
}

// Add stores a caller-chosen code (uppercase-normalized). Unlike Generate it
// fails on collision instead of retrying.
func (s *Store) Add(ctx context.Context, rawCode string, maxUses, expiresInHours int) (Code, error) {
	code := strings.ToUpper(strings.TrimSpace(rawCode))
	if len(code) < MinAddLength {
		return Code{}, ErrCodeTooShort
	}
	if maxUses <= 0 {
		maxUses = 1
	}
	return s.insert(ctx, code, maxUses, expiresInHours)
}

func (s *Store) insert(ctx context.Context, code string, maxUses, expiresInHours int) (Code, error) {
	now := s.clock.Now()
	record := Code{
		Code:    code,
		Created: now,
		MaxUses: maxUses,
	}
	if expiresInHours > 0 {
		expires := now.Add(time.Duration(expiresInHours) * time.Hour)
		record.ExpiresAt = &expires
	}

	err := s.kv.Update(ctx, keyPrefix+code, func(current []byte, exists bool) (kv.Mutation, error) {
		if exists {
			return kv.Mutation{}, ErrCodeExists
		}
		value, err := json.Marshal(record)
		if err != nil {
			return kv.Mutation{}, err
		}
		return kv.Mutation{Op: kv.OpSet, Value: value}, nil
	})
	if err != nil {
		if errors.Is(err, ErrCodeExists) {
			return Code{}, ErrCodeExists
		}
		return Code{}, fmt.Errorf("accesscode: store code: %w", err)
	}
	return record, nil
}

// Validate checks rawCode and consumes one use on success.
//
// Expired and exhausted codes are deleted as a side effect, as is a code
// whose last remaining use was just consumed. The read-check-increment-write
// sequence runs inside a single atomic backend update.
func (s *Store) Validate(ctx context.Context, rawCode string) (Outcome, error) {
	code := strings.ToUpper(strings.TrimSpace(rawCode))
	if code == "" {
		return Malformed, nil
	}

	now := s.clock.Now()
	outcome := NotFound

	err := s.kv.Update(ctx, keyPrefix+code, func(current []byte, exists bool) (kv.Mutation, error) {
		if !exists {
			outcome = NotFound
			return kv.Mutation{Op: kv.OpNone}, nil
		}

		var record Code
		if err := json.Unmarshal(current, &record); err != nil {
			return kv.Mutation{}, err
		}

		if record.ExpiresAt != nil && now.After(*record.ExpiresAt) {
			outcome = Expired
			return kv.Mutation{Op: kv.OpDelete}, nil
		}
		if record.UsedCount >= record.MaxUses {
			outcome = Exhausted
			return kv.Mutation{Op: kv.OpDelete}, nil
		}

		record.UsedCount++
		outcome = Granted
		if record.UsedCount >= record.MaxUses {
			// Last use consumed; limited-use codes self-destruct.
			return kv.Mutation{Op: kv.OpDelete}, nil
		}

		value, err := json.Marshal(record)
		if err != nil {
			return kv.Mutation{}, err
		}
		return kv.Mutation{Op: kv.OpSet, Value: value}, nil
	})
	if err != nil {
		return NotFound, fmt.Errorf("accesscode: validate: %w", err)
	}
	return outcome, nil
}

// Revoke deletes a code unconditionally. Revoking an absent code is a no-op.
func (s *Store) Revoke(ctx context.Context, rawCode string) error {
	code := strings.ToUpper(strings.TrimSpace(rawCode))
	if err := s.kv.Delete(ctx, keyPrefix+code); err != nil {
		return fmt.Errorf("accesscode: revoke: %w", err)
	}
	return nil
}

// Exists reports whether a code is currently stored, without consuming a use.
func (s *Store) Exists(ctx context.Context, rawCode string) (bool, error) {
	code := strings.ToUpper(strings.TrimSpace(rawCode))
	_, err := s.kv.Get(ctx, keyPrefix+code)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("accesscode: lookup: %w", err)
	}
	return true, nil
}

// List returns all stored codes with a derived active flag.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	entries, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("accesscode: list: %w", err)
	}

	now := s.clock.Now()
	out := make([]Summary, 0, len(entries))
	for _, raw := range entries {
		var record Code
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		expired := record.ExpiresAt != nil && now.After(*record.ExpiresAt)
		out = append(out, Summary{
			Code:      record.Code,
			Created:   record.Created,
			UsedCount: record.UsedCount,
			MaxUses:   record.MaxUses,
			ExpiresAt: record.ExpiresAt,
			Active:    !expired && record.UsedCount < record.MaxUses,
		})
	}
	return out, nil
}

// ActiveCount reports how many stored codes are currently usable (for the
// health endpoint).
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	codes, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range codes {
		if c.Active {
			n++
		}
	}
	return n, nil
}

// SweepExpired deletes all codes whose expiry has passed as of now and
// returns the number removed. Used by the janitor.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	entries, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("accesscode: sweep list: %w", err)
	}

	removed := 0
	for key, raw := range entries {
		var record Code
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		if record.ExpiresAt == nil || now.Before(*record.ExpiresAt) {
			continue
		}
		if err := s.kv.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("accesscode: sweep delete: %w", err)
		}
		removed++
	}
	return removed, nil
}

func randomCode(length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("accesscode: random source: %w", err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}
