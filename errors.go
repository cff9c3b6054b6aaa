package ekey

import (
	"fmt"

	"github.com/axent-pl/ekey/common"
)

// VerifyErrorKind classifies verification failures (machine-readable).
type VerifyErrorKind string

const (
	VerifyInvalidRequest     VerifyErrorKind = "invalid_request"
	VerifyInvalidToken       VerifyErrorKind = "invalid_token"
	VerifyExpiredToken       VerifyErrorKind = "expired_token"
	VerifyCapabilityMismatch VerifyErrorKind = "capability_mismatch"
	VerifyReplayDetected     VerifyErrorKind = "replay_detected"
	VerifyInvalidProof       VerifyErrorKind = "invalid_proof"
)

// VerifyError carries a kind plus an optional detail map. Details never
// contain signatures, key material, or full tokens.
type VerifyError struct {
	Kind   VerifyErrorKind
	Detail map[string]any
	cause  error
}

func (e *VerifyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

func (e *VerifyError) Unwrap() error {
	switch e.Kind {
	case VerifyInvalidRequest:
		return common.ErrInvalidInput
	default:
		return common.ErrInvalidCredentials
	}
}

func verifyErr(kind VerifyErrorKind, cause error) *VerifyError {
	return &VerifyError{Kind: kind, cause: cause}
}

func verifyErrDetail(kind VerifyErrorKind, cause error, detail map[string]any) *VerifyError {
	return &VerifyError{Kind: kind, cause: cause, Detail: detail}
}

// IssueErrorKind classifies issuance failures.
type IssueErrorKind string

const (
	IssueInvalidRequest IssueErrorKind = "invalid_request"
	IssueInvalidBinding IssueErrorKind = "invalid_binding"
	IssueSignerFailure  IssueErrorKind = "signer_failure"
)

type IssueError struct {
	Kind   IssueErrorKind
	Detail map[string]any
	cause  error
}

func (e *IssueError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

func (e *IssueError) Unwrap() error {
	switch e.Kind {
	case IssueSignerFailure:
		return common.ErrInternal
	default:
		return common.ErrInvalidInput
	}
}

func issueErr(kind IssueErrorKind, cause error) *IssueError {
	return &IssueError{Kind: kind, cause: cause}
}
