package serializer

import (
	"encoding/binary"
	"fmt"
	"github.com/relog-db/relog/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency. This is the production codec of the
// replication stream.
func NewBinarySerializer() IWireSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IWireSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasVLSN        uint16 = 1 << 0
	hasTxnID       uint16 = 1 << 1
	hasDTVLSN      uint16 = 1 << 2
	hasMasterTerm  uint16 = 1 << 3
	hasSyncPolicy  uint16 = 1 << 4
	hasTimestamp   uint16 = 1 << 5
	hasHeartbeatID uint16 = 1 << 6
	hasShutdownMs  uint16 = 1 << 7
	hasKey         uint16 = 1 << 8
	hasValue       uint16 = 1 << 9
	hasNodeType    uint16 = 1 << 10
	hasErr         uint16 = 1 << 11
	hasErrCode     uint16 = 1 << 12
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IWireSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	totalSize := b.sizeBytes(msg)
	result := make([]byte, totalSize)

	// Write message type
	result[0] = byte(msg.MsgType)

	// Initialize flags
	var flags uint16 = 0

	// Set position for writing (after MsgType byte and flags word)
	pos := 3

	// Fixed-width numeric fields, written only when present
	if msg.VLSN != common.NullVLSN {
		flags |= hasVLSN
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.VLSN))
		pos += 8
	}
	if msg.TxnID > 0 {
		flags |= hasTxnID
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.TxnID)
		pos += 8
	}
	if msg.DTVLSN != common.NullVLSN {
		flags |= hasDTVLSN
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.DTVLSN))
		pos += 8
	}
	if msg.MasterTerm > 0 {
		flags |= hasMasterTerm
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.MasterTerm)
		pos += 8
	}
	if msg.SyncPolicy != common.SyncPolicyNoSync {
		flags |= hasSyncPolicy
		result[pos] = byte(msg.SyncPolicy) // enum ordinal on the wire
		pos += 1
	}
	if msg.TimestampMs > 0 {
		flags |= hasTimestamp
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.TimestampMs)
		pos += 8
	}
	if msg.HeartbeatID > 0 {
		flags |= hasHeartbeatID
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.HeartbeatID)
		pos += 8
	}
	if msg.ShutdownTimeMs > 0 {
		flags |= hasShutdownMs
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.ShutdownTimeMs)
		pos += 8
	}

	// Handle Key
	if msg.Key != "" {
		flags |= hasKey
		keyBytes := []byte(msg.Key)
		keyLen := len(keyBytes)

		// Write key length
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(keyLen))
		pos += 4

		// Write key data
		copy(result[pos:pos+keyLen], keyBytes)
		pos += keyLen
	}

	// Handle Value
	if msg.Value != nil {
		flags |= hasValue
		valueLen := len(msg.Value)

		// Write value length
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(valueLen))
		pos += 4

		// Write value data
		if valueLen > 0 {
			copy(result[pos:pos+valueLen], msg.Value)
			pos += valueLen
		}
	}

	// Handle NodeType
	if msg.NodeType != common.NodeTypeUnknown {
		flags |= hasNodeType
		result[pos] = byte(msg.NodeType)
		pos += 1
	}

	// Handle Err
	if msg.Err != "" {
		flags |= hasErr
		errBytes := []byte(msg.Err)
		errLen := len(errBytes)

		// Write error length
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(errLen))
		pos += 4

		// Write error data
		copy(result[pos:pos+errLen], errBytes)
		pos += errLen
	}

	// Handle ErrCode
	if msg.ErrCode != common.HandshakeOK {
		flags |= hasErrCode
		result[pos] = byte(msg.ErrCode)
		pos += 1
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < 3 {
		return fmt.Errorf("data too short for message header")
	}

	// Read message type
	msg.MsgType = common.MessageType(data[0])

	// Read flags
	flags := binary.BigEndian.Uint16(data[1:3])

	// Initialize read position
	pos := 3

	// Fixed-width numeric fields
	var err error
	var u uint64

	if u, pos, err = readUint64(data, pos, flags&hasVLSN != 0, "VLSN"); err != nil {
		return err
	}
	msg.VLSN = common.VLSN(u)

	if msg.TxnID, pos, err = readUint64(data, pos, flags&hasTxnID != 0, "TxnID"); err != nil {
		return err
	}

	if u, pos, err = readUint64(data, pos, flags&hasDTVLSN != 0, "DTVLSN"); err != nil {
		return err
	}
	msg.DTVLSN = common.VLSN(u)

	if msg.MasterTerm, pos, err = readUint64(data, pos, flags&hasMasterTerm != 0, "MasterTerm"); err != nil {
		return err
	}

	// SyncPolicy (single ordinal byte)
	if flags&hasSyncPolicy != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for SyncPolicy")
		}
		msg.SyncPolicy = common.SyncPolicy(data[pos])
		pos += 1
	} else {
		msg.SyncPolicy = common.SyncPolicyNoSync
	}

	if msg.TimestampMs, pos, err = readUint64(data, pos, flags&hasTimestamp != 0, "TimestampMs"); err != nil {
		return err
	}
	if msg.HeartbeatID, pos, err = readUint64(data, pos, flags&hasHeartbeatID != 0, "HeartbeatID"); err != nil {
		return err
	}
	if msg.ShutdownTimeMs, pos, err = readUint64(data, pos, flags&hasShutdownMs != 0, "ShutdownTimeMs"); err != nil {
		return err
	}

	// Read Key if present
	if flags&hasKey != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for key length")
		}

		// Read key length
		keyLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(keyLen) > len(data) {
			return fmt.Errorf("data too short for key data")
		}

		// Read key data
		msg.Key = string(data[pos : pos+int(keyLen)])
		pos += int(keyLen)
	} else {
		msg.Key = ""
	}

	// Read Value if present
	if flags&hasValue != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for value length")
		}

		// Read value length
		valueLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(valueLen) > len(data) {
			return fmt.Errorf("data too short for value data")
		}

		// Read value data - reuse the existing buffer when it is big enough
		if msg.Value == nil || cap(msg.Value) < int(valueLen) {
			msg.Value = make([]byte, valueLen)
		} else {
			msg.Value = msg.Value[:valueLen]
		}

		if valueLen > 0 {
			copy(msg.Value, data[pos:pos+int(valueLen)])
		}
		pos += int(valueLen)
	} else {
		msg.Value = nil
	}

	// Read NodeType if present
	if flags&hasNodeType != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for NodeType")
		}
		msg.NodeType = common.NodeType(data[pos])
		pos += 1
	} else {
		msg.NodeType = common.NodeTypeUnknown
	}

	// Read Err if present
	if flags&hasErr != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for error length")
		}

		// Read error length
		errLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(errLen) > len(data) {
			return fmt.Errorf("data too short for error data")
		}

		// Read error data
		msg.Err = string(data[pos : pos+int(errLen)])
		pos += int(errLen)
	} else {
		msg.Err = ""
	}

	// Read ErrCode if present
	if flags&hasErrCode != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for ErrCode")
		}
		msg.ErrCode = common.HandshakeErrCode(data[pos])
		pos += 1
	} else {
		msg.ErrCode = common.HandshakeOK
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// readUint64 reads one optional fixed-width field and resets the target to
// zero when the presence flag is not set.
func readUint64(data []byte, pos int, present bool, field string) (uint64, int, error) {
	if !present {
		return 0, pos, nil
	}
	if pos+8 > len(data) {
		return 0, pos, fmt.Errorf("data too short for %s", field)
	}
	return binary.BigEndian.Uint64(data[pos : pos+8]), pos + 8, nil
}

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 2 bytes for flags
	size := 3

	if msg.VLSN != common.NullVLSN {
		size += 8
	}
	if msg.TxnID > 0 {
		size += 8
	}
	if msg.DTVLSN != common.NullVLSN {
		size += 8
	}
	if msg.MasterTerm > 0 {
		size += 8
	}
	if msg.SyncPolicy != common.SyncPolicyNoSync {
		size += 1
	}
	if msg.TimestampMs > 0 {
		size += 8
	}
	if msg.HeartbeatID > 0 {
		size += 8
	}
	if msg.ShutdownTimeMs > 0 {
		size += 8
	}
	if msg.Key != "" {
		size += 4 + len(msg.Key) // 4 bytes for length + key string
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value) // 4 bytes for length + value bytes
	}
	if msg.NodeType != common.NodeTypeUnknown {
		size += 1
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err) // 4 bytes for length + error string
	}
	if msg.ErrCode != common.HandshakeOK {
		size += 1
	}

	return size
}
