package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and adapters return these
// (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist (subscription, authorization, ledger account)
// - ErrConflict: entity already exists under the same key
// - ErrRevoked: the workspace credential was invalidated by the platform
// - ErrUnavailable: collaborator temporarily unreachable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrRevoked     = errors.New("revoked")
	ErrUnavailable = errors.New("unavailable")
)
