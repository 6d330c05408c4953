package storage

import "errors"

// ErrNotFound reports that a requested row does not exist. Store
// methods wrap it with the entity and ID ("storage: call <id>: ...")
// so handlers can errors.Is against the sentinel while logs stay
// specific.
var ErrNotFound = errors.New("storage: not found")
