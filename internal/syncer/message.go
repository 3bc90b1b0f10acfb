package syncer

import "fmt"

// ComponentID identifies a synchronizable subsystem. The integer values are
// transmitted as-is, so every node in a cluster must agree on them.
type ComponentID int32

const (
	ResourceManager ComponentID = 0
	Scheduler       ComponentID = 1

	// NumComponents sizes every per-component array.
	NumComponents = 2
)

func (c ComponentID) Valid() bool {
	return c >= 0 && int(c) < NumComponents
}

func (c ComponentID) String() string {
	switch c {
	case ResourceManager:
		return "resource_manager"
	case Scheduler:
		return "scheduler"
	default:
		return fmt.Sprintf("component(%d)", int32(c))
	}
}

// MessageType tells a full-state update from an incremental one.
type MessageType int32

const (
	Snapshot MessageType = 0
	// Delta is reserved; nothing produces it yet.
	Delta MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case Snapshot:
		return "snapshot"
	case Delta:
		return "delta"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// SyncMessage is one versioned state update for a (node, component) pair.
// Once handed to a Syncer it is shared by pointer between the cluster view
// and any number of outbound queues and must not be modified.
type SyncMessage struct {
	NodeID      string
	ComponentID ComponentID
	Version     uint64
	Type        MessageType
	Payload     []byte
}

func (m *SyncMessage) String() string {
	return fmt.Sprintf("%s/%s@%d", m.NodeID, m.ComponentID, m.Version)
}

// SyncMessages is the unit of transmission: one stream write carries one
// batch.
type SyncMessages struct {
	Messages []*SyncMessage

	// dropped counts decoded entries skipped for naming a component this
	// build does not know.
	dropped int
}

// Dropped reports how many entries were skipped while decoding the batch.
func (b *SyncMessages) Dropped() int {
	return b.dropped
}

// ComponentVersions holds one version per component.
type ComponentVersions [NumComponents]uint64

// ComponentMessages holds the latest accepted message per component, nil for
// components never seen.
type ComponentMessages [NumComponents]*SyncMessage
