package syncer

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// CodecName is the gRPC content-subtype the sync stream is carried under.
const CodecName = "raysync"

// SchemaVersion is the batch layout this build writes. Batches without a
// version field are read as version 1.
const SchemaVersion = 1

// Field numbers are part of the wire contract and must never be reused.
const (
	fieldBatchSchema   protowire.Number = 1
	fieldBatchMessages protowire.Number = 2

	fieldMsgVersion   protowire.Number = 1
	fieldMsgType      protowire.Number = 2
	fieldMsgComponent protowire.Number = 3
	fieldMsgNodeID    protowire.Number = 4
	fieldMsgPayload   protowire.Number = 5
)

func init() {
	encoding.RegisterCodec(codec{})
}

// MarshalBinary encodes the batch in protobuf wire format.
func (b *SyncMessages) MarshalBinary() ([]byte, error) {
	size := 2
	for _, m := range b.Messages {
		size += 16 + len(m.NodeID) + len(m.Payload)
	}
	buf := make([]byte, 0, size)
	buf = protowire.AppendTag(buf, fieldBatchSchema, protowire.VarintType)
	buf = protowire.AppendVarint(buf, SchemaVersion)
	for _, m := range b.Messages {
		buf = protowire.AppendTag(buf, fieldBatchMessages, protowire.BytesType)
		buf = protowire.AppendVarint(buf, uint64(m.wireSize()))
		buf = m.appendWire(buf)
	}
	return buf, nil
}

// UnmarshalBinary decodes a batch. Unknown fields are skipped, and messages
// naming a component or message type outside this build's range are dropped
// and counted.
// data is not retained.
func (b *SyncMessages) UnmarshalBinary(data []byte) error {
	b.Messages = b.Messages[:0]
	b.dropped = 0
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldBatchSchema && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if v > SchemaVersion {
				return fmt.Errorf("%w: %d", ErrSchemaVersion, v)
			}
			data = data[n:]
		case num == fieldBatchMessages && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m := &SyncMessage{}
			known, err := m.unmarshalWire(raw)
			if err != nil {
				return err
			}
			if known {
				b.Messages = append(b.Messages, m)
			} else {
				b.dropped++
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func (m *SyncMessage) wireSize() int {
	n := protowire.SizeTag(fieldMsgVersion) + protowire.SizeVarint(m.Version)
	if m.Type != 0 {
		n += protowire.SizeTag(fieldMsgType) + protowire.SizeVarint(uint64(m.Type))
	}
	if m.ComponentID != 0 {
		n += protowire.SizeTag(fieldMsgComponent) + protowire.SizeVarint(uint64(m.ComponentID))
	}
	n += protowire.SizeTag(fieldMsgNodeID) + protowire.SizeBytes(len(m.NodeID))
	if len(m.Payload) > 0 {
		n += protowire.SizeTag(fieldMsgPayload) + protowire.SizeBytes(len(m.Payload))
	}
	return n
}

func (m *SyncMessage) appendWire(buf []byte) []byte {
	buf = protowire.AppendTag(buf, fieldMsgVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.Version)
	if m.Type != 0 {
		buf = protowire.AppendTag(buf, fieldMsgType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Type))
	}
	if m.ComponentID != 0 {
		buf = protowire.AppendTag(buf, fieldMsgComponent, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.ComponentID))
	}
	buf = protowire.AppendTag(buf, fieldMsgNodeID, protowire.BytesType)
	buf = protowire.AppendString(buf, m.NodeID)
	if len(m.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldMsgPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Payload)
	}
	return buf
}

// unmarshalWire decodes one message. known is false when the component or
// message type lies outside this build's range. Enum varints are range
// checked before they are narrowed.
func (m *SyncMessage) unmarshalWire(data []byte) (known bool, err error) {
	known = true
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return false, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldMsgVersion || num == fieldMsgType || num == fieldMsgComponent):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return false, protowire.ParseError(n)
			}
			switch num {
			case fieldMsgVersion:
				m.Version = v
			case fieldMsgType:
				if v > uint64(Delta) {
					known = false
				} else {
					m.Type = MessageType(v)
				}
			case fieldMsgComponent:
				if v >= NumComponents {
					known = false
				} else {
					m.ComponentID = ComponentID(v)
				}
			}
			data = data[n:]
		case typ == protowire.BytesType && (num == fieldMsgNodeID || num == fieldMsgPayload):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return false, protowire.ParseError(n)
			}
			// The transport recycles its receive buffer once decoding
			// returns, so both fields are copied out.
			if num == fieldMsgNodeID {
				m.NodeID = string(v)
			} else {
				m.Payload = append([]byte(nil), v...)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return false, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return known, nil
}

// codec adapts SyncMessages to gRPC's encoding registry.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*SyncMessages)
	if !ok {
		return nil, fmt.Errorf("raysync codec: cannot marshal %T", v)
	}
	return b.MarshalBinary()
}

func (codec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*SyncMessages)
	if !ok {
		return fmt.Errorf("raysync codec: cannot unmarshal into %T", v)
	}
	return b.UnmarshalBinary(data)
}

func (codec) Name() string {
	return CodecName
}
