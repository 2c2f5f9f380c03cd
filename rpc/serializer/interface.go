package serializer

import (
	"github.com/relog-db/relog/rpc/common"
)

// IWireSerializer defines the interface for converting replication stream
// messages to and from their wire representation.
type IWireSerializer interface {
	// Serialize converts a Message into a byte slice.
	Serialize(msg common.Message) ([]byte, error)

	// Deserialize fills the given Message from a byte slice. The message is
	// reset field by field, so a reused Message never carries stale data.
	Deserialize(data []byte, msg *common.Message) error
}
