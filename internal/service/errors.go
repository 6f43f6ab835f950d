package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrResourceNotAllowed     = errors.New("resource not allowed by contract")
	ErrDuplicateContract      = errors.New("an active or pending contract with this name already exists for these organizations")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrAlreadyResponded       = errors.New("already responded")
	ErrExpired                = errors.New("expired")
	ErrSignatureMismatch      = errors.New("signature mismatch")
	ErrNotFound               = errors.New("not found")
	ErrInvalidState           = errors.New("invalid state for this operation")
	ErrNoActiveContract       = errors.New("no active contract between the organizations")
	ErrActionPending          = errors.New("another action is already pending on this contract")
	ErrNoPendingAction        = errors.New("no pending action on this contract")
	ErrOrganizationUnresolved = errors.New("target organization could not be resolved")
	ErrInvalidInput           = errors.New("invalid input")
	ErrStaleConsent           = errors.New("stored value differs from the consented value")
)

// UnsupportedResourcesError lists requested resources no active contract
// allows.
type UnsupportedResourcesError struct {
	Resources []string
}

func (e *UnsupportedResourcesError) Error() string {
	return "resources not allowed by any active contract: " + strings.Join(e.Resources, ", ")
}

// PurposeViolation is one (purpose, resource) pair outside the contract.
type PurposeViolation struct {
	Purpose  string `json:"purpose"`
	Resource string `json:"resource"`
}

// UnsupportedPurposesError lists purposes the chosen contract does not
// allow for a resource.
type UnsupportedPurposesError struct {
	Violations []PurposeViolation
}

func (e *UnsupportedPurposesError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s for %s", v.Purpose, v.Resource)
	}
	return "purposes not allowed by contract: " + strings.Join(parts, ", ")
}

// MissingResourcesError lists resources the target user has not submitted.
type MissingResourcesError struct {
	UserID    uint64
	Resources []string
}

func (e *MissingResourcesError) Error() string {
	return fmt.Sprintf("user %d has not provided: %s", e.UserID, strings.Join(e.Resources, ", "))
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// ErrConflict is returned when a contract changed between read and write
// for an operation that is not a response.
var ErrConflict = errors.New("modified concurrently; retry")
