package syncer

// Reporter produces the local node's state for one component.
type Reporter interface {
	// Snapshot returns a message with a version strictly greater than
	// currentVersion, or false when nothing changed since currentVersion.
	// It runs on the syncer's execution context and must return quickly.
	Snapshot(currentVersion uint64) (*SyncMessage, bool)
}

// Receiver consumes merged state of other nodes for one component.
type Receiver interface {
	// Update is called once per accepted message. It runs on the syncer's
	// execution context and must not block for long.
	Update(msg *SyncMessage)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(currentVersion uint64) (*SyncMessage, bool)

func (f ReporterFunc) Snapshot(currentVersion uint64) (*SyncMessage, bool) {
	return f(currentVersion)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(msg *SyncMessage)

func (f ReceiverFunc) Update(msg *SyncMessage) {
	f(msg)
}
