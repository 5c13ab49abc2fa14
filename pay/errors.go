// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package pay

import (
	"errors"
	"fmt"
)

// ErrorCode is the numeric status carried by ErrorMessage and
// AiLoginConfirmation frames.
type ErrorCode int

// Status codes shared with the accounting instance.
const (
	CodeOK ErrorCode = iota
	CodeInternalServerError
	CodeWrongFormat
	CodeWrongData
	CodeKeyNotFound
	CodeBadSignature
	CodeBadRequest
	CodeNoAccountCert
	CodeNoBalance
	CodeNoConfirmation
	CodeAccountEmpty
	CodeCascadeLength
	CodeDatabaseError
	CodeInsufficientBalance
	CodeNoFlatrateOffered
	CodeInvalidCode
	CodeOutdatedCC
	CodeInvalidPriceCerts
	CodeMultipleLogin
	CodeNoRecordFound
	CodeSuccessButWithErrors
	CodeBlocked
)

var codeNames = map[ErrorCode]string{
	CodeOK:                   "OK",
	CodeInternalServerError:  "internal server error",
	CodeWrongFormat:          "wrong format",
	CodeWrongData:            "wrong data",
	CodeKeyNotFound:          "key not found",
	CodeBadSignature:         "bad signature",
	CodeBadRequest:           "bad request",
	CodeNoAccountCert:        "no account certificate",
	CodeNoBalance:            "no balance",
	CodeNoConfirmation:       "no cost confirmation",
	CodeAccountEmpty:         "account empty",
	CodeCascadeLength:        "invalid cascade length",
	CodeDatabaseError:        "database error",
	CodeInsufficientBalance:  "insufficient balance",
	CodeNoFlatrateOffered:    "no flatrate offered",
	CodeInvalidCode:          "invalid code",
	CodeOutdatedCC:           "outdated cost confirmation",
	CodeInvalidPriceCerts:    "invalid price certificates",
	CodeMultipleLogin:        "multiple login",
	CodeNoRecordFound:        "no record found",
	CodeSuccessButWithErrors: "success but with errors",
	CodeBlocked:              "blocked",
}

// String returns a human readable name for the code.
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown error code %d", int(c))
}

var (
	// ErrProtocolViolation indicates an unknown or malformed control message.
	ErrProtocolViolation = errors.New("pay: protocol violation")

	// ErrInvalidPriceCertificates indicates that the cascade's price
	// certificates do not verify or do not match a cost confirmation.
	ErrInvalidPriceCertificates = errors.New("pay: invalid price certificates")

	// ErrAccountEmpty indicates that the account has no credit left.
	ErrAccountEmpty = errors.New("pay: account empty")

	// ErrWrongData indicates data that fails signature verification.
	ErrWrongData = errors.New("pay: wrong data")

	// ErrAccountLocked indicates that the account private key is still encrypted.
	ErrAccountLocked = errors.New("pay: account locked")

	// ErrNoActiveAccount indicates that no account is active.
	ErrNoActiveAccount = errors.New("pay: no active account")

	// ErrNegativeByteDelta indicates that a traffic counter went backwards.
	ErrNegativeByteDelta = errors.New("pay: negative byte delta")

	// ErrAccountMismatch indicates a cost confirmation for a different account.
	ErrAccountMismatch = errors.New("pay: account mismatch")

	// ErrDecryptionFailed indicates a wrong passphrase for a locked account.
	ErrDecryptionFailed = errors.New("pay: decryption failed")

	// ErrRemote is the kind of errors reported by the peer that have no
	// more specific local meaning.
	ErrRemote = errors.New("pay: remote error")
)

var kindCodes = map[error]ErrorCode{
	ErrProtocolViolation:        CodeBadRequest,
	ErrInvalidPriceCertificates: CodeInvalidPriceCerts,
	ErrAccountEmpty:             CodeAccountEmpty,
	ErrWrongData:                CodeWrongData,
	ErrAccountLocked:            CodeKeyNotFound,
	ErrNoActiveAccount:          CodeNoAccountCert,
	ErrNegativeByteDelta:        CodeInternalServerError,
	ErrAccountMismatch:          CodeWrongData,
	ErrDecryptionFailed:         CodeKeyNotFound,
}

// Error is a payment error with the status code reported to the account
// registry. It matches its kind with errors.Is.
type Error struct {
	Kind    error
	Code    ErrorCode
	Message string
}

// NewError builds an Error of the given kind.
func NewError(kind error, format string, a ...interface{}) *Error {
	code, ok := kindCodes[kind]
	if !ok {
		code = CodeInternalServerError
	}
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// ErrorFromCode builds an Error from a status received on the wire.
func ErrorFromCode(code ErrorCode, message string) *Error {
	kind := ErrRemote
	switch code {
	case CodeAccountEmpty:
		kind = ErrAccountEmpty
	case CodeInvalidPriceCerts:
		kind = ErrInvalidPriceCertificates
	case CodeWrongData, CodeBadSignature:
		kind = ErrWrongData
	case CodeBadRequest, CodeWrongFormat:
		kind = ErrProtocolViolation
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

// AsError converts any error to an *Error, keeping the code of wrapped
// payment errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	for kind := range kindCodes {
		if errors.Is(err, kind) {
			return NewError(kind, "%v", err)
		}
	}
	return &Error{Kind: ErrRemote, Code: CodeInternalServerError, Message: err.Error()}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pay: %v", e.Code)
	}
	return fmt.Sprintf("pay: %v: %s", e.Code, e.Message)
}

// Unwrap returns the error kind.
func (e *Error) Unwrap() error {
	return e.Kind
}
