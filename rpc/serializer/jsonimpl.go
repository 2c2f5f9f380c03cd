package serializer

import (
	"encoding/json"
	"github.com/relog-db/relog/rpc/common"
)

// NewJSONSerializer creates a new serializer using the JSON format. It is
// mainly useful for debugging a stream with external tooling; the binary
// serializer is the production codec.
func NewJSONSerializer() IWireSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements IWireSerializer using encoding/json
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IWireSerializer)
// --------------------------------------------------------------------------

func (s jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (s jsonSerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Reset the message so omitted fields do not keep stale values
	*msg = common.Message{Value: msg.Value[:0]}
	return json.Unmarshal(data, msg)
}
