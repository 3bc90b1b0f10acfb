package syncer

import "errors"

var (
	// ErrMissingNodeID is a handshake violation: the peer did not declare its
	// identity in the session metadata.
	ErrMissingNodeID = errors.New("session metadata has no node_id")
	// ErrSchemaVersion rejects a batch encoded by a newer, incompatible schema.
	ErrSchemaVersion = errors.New("unsupported sync schema version")
	// ErrUnknownComponent rejects a registration outside the component range.
	ErrUnknownComponent = errors.New("unknown component id")
	ErrNotStarted       = errors.New("syncer not started")
	ErrSyncerStopped    = errors.New("syncer stopped")
	// ErrReplaced closes a connection superseded by a newer session to the
	// same peer.
	ErrReplaced = errors.New("connection replaced by a newer session")
)
