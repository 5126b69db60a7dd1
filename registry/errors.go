package registry

import "errors"

// The closed set of registry error kinds. Callers match with errors.Is; only
// the dispatcher translates these into wire-level error envelopes.
var (
	// ErrDuplicateConnection is returned when an agent or human attempts to
	// connect with a (role, id, env_id) triple that is already registered.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrInvalidIdentity is returned when a connect attempt is missing the id
	// fields its role requires.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrClientNotFound is returned when a routing target's id is not
	// registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrEnvironmentNotFound is returned when a routing target's environment
	// is not registered.
	ErrEnvironmentNotFound = errors.New("environment not found")
)
