package auth

import (
	"errors"
	"strings"
)

// Kind classifies an auth failure. The HTTP layer maps each kind to a status code.
type Kind int

const (
	KindInternal Kind = iota
	KindMissing
	KindMalformed
	KindExpired
	KindInvalidSignature
	KindRevoked
	KindInvalidCredentials
	KindInsufficientRole
	KindRateLimited
	KindWeakPassword
	KindInvalidInput
	KindConflict
)

var kindCodes = map[Kind]string{
	KindInternal:           "internal_error",
	KindMissing:            "missing_token",
	KindMalformed:          "malformed_token",
	KindExpired:            "token_expired",
	KindInvalidSignature:   "invalid_signature",
	KindRevoked:            "token_revoked",
	KindInvalidCredentials: "invalid_credentials",
	KindInsufficientRole:   "insufficient_role",
	KindRateLimited:        "rate_limited",
	KindWeakPassword:       "weak_password",
	KindInvalidInput:       "invalid_input",
	KindConflict:           "conflict",
}

// Code returns the stable wire code for the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

func (k Kind) String() string { return k.Code() }

// Authentication reports whether the kind belongs to the authentication family.
func (k Kind) Authentication() bool {
	switch k {
	case KindMissing, KindMalformed, KindExpired, KindInvalidSignature, KindRevoked, KindInvalidCredentials:
		return true
	}
	return false
}

// Error is the typed failure returned by every component in this package.
type Error struct {
	Kind    Kind
	Message string
	// Reasons lists the violated rules for KindWeakPassword.
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("auth: ")
	b.WriteString(e.Kind.Code())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingToken       = &Error{Kind: KindMissing}
	ErrMalformedToken     = &Error{Kind: KindMalformed}
	ErrExpiredToken       = &Error{Kind: KindExpired}
	ErrInvalidSignature   = &Error{Kind: KindInvalidSignature}
	ErrRevokedToken       = &Error{Kind: KindRevoked}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrInsufficientRole   = &Error{Kind: KindInsufficientRole}
	ErrWeakPassword       = &Error{Kind: KindWeakPassword}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrInternal           = &Error{Kind: KindInternal}

	// ErrNotFound is returned by user stores when no record matches.
	ErrNotFound = errors.New("auth: not found")
	// ErrAlreadyExists is returned by user stores on a duplicate email.
	ErrAlreadyExists = errors.New("auth: already exists")
)

// KindOf extracts the kind of err. Unknown errors are internal so callers fail closed.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
