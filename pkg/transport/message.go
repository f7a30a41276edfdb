package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MsgType is the numeric wire tag of a message. The tag space is fixed;
// brokers use an independent space on a separate port (see pkg/broker).
type MsgType uint16

const (
	// 0x01-0x07 transport
	MsgHello   MsgType = 0x01
	MsgPost    MsgType = 0x02
	MsgSyncReq MsgType = 0x03
	MsgSyncRsp MsgType = 0x04
	MsgPex     MsgType = 0x05
	MsgPing    MsgType = 0x06
	MsgPong    MsgType = 0x07

	// 0x10-0x17 tasks
	MsgTaskCreate   MsgType = 0x10
	MsgTaskClaim    MsgType = 0x11
	MsgTaskUpdate   MsgType = 0x12
	MsgTaskComplete MsgType = 0x13
	MsgTaskFail     MsgType = 0x14
	MsgTaskCancel   MsgType = 0x15
	MsgTaskAssign   MsgType = 0x16
	MsgTaskArchive  MsgType = 0x17

	// 0x20-0x22 agents
	MsgAgentRegister   MsgType = 0x20
	MsgAgentHeartbeat  MsgType = 0x21
	MsgAgentDeregister MsgType = 0x22

	// 0x30-0x31 task anti-entropy
	MsgTaskSyncReq MsgType = 0x30
	MsgTaskSyncRsp MsgType = 0x31

	// 0x40-0x42 election
	MsgEmperorHeartbeat MsgType = 0x40
	MsgElectionStart    MsgType = 0x41
	MsgElectionVictory  MsgType = 0x42

	// 0x50-0x52 census and agent sync
	MsgCensusReq MsgType = 0x50
	MsgCensusRsp MsgType = 0x51
	MsgAgentSync MsgType = 0x52

	// 0x60-0x62 auth
	MsgAuthChallenge MsgType = 0x60
	MsgAuthResponse  MsgType = 0x61
	MsgAuthReject    MsgType = 0x62

	// 0x70-0x73 identity
	MsgIdentityAnnounce MsgType = 0x70
	MsgCredentialIssue  MsgType = 0x71
	MsgIdentitySyncReq  MsgType = 0x72
	MsgIdentitySyncRsp  MsgType = 0x73

	// 0x80-0x85 reserved for consensus

	// 0x90-0x95 DHT storage
	MsgDHTStore     MsgType = 0x90
	MsgDHTStoreRsp  MsgType = 0x91
	MsgDHTFindValue MsgType = 0x92
	MsgDHTValueRsp  MsgType = 0x93
	MsgDHTFindNode  MsgType = 0x94
	MsgDHTNodesRsp  MsgType = 0x95

	// 0xA0-0xA2 DHT discovery
	MsgDHTPing      MsgType = 0xA0
	MsgDHTPong      MsgType = 0xA1
	MsgDHTBootstrap MsgType = 0xA2

	// 0xB0-0xB1 node registry
	MsgNodeAnnounce MsgType = 0xB0
	MsgNodeQuery    MsgType = 0xB1

	// 0xC0-0xCA marketplace
	MsgOfferingAnnounce    MsgType = 0xC0
	MsgOfferingWithdraw    MsgType = 0xC1
	MsgTributeRequest      MsgType = 0xC2
	MsgTributeAccept       MsgType = 0xC3
	MsgTributeReject       MsgType = 0xC4
	MsgCapabilityAdvertise MsgType = 0xC5
	MsgMarketplaceSyncReq  MsgType = 0xC6
	MsgMarketplaceSyncRsp  MsgType = 0xC7
	MsgBountyPost          MsgType = 0xC8
	MsgBountyClaim         MsgType = 0xC9
	MsgBountyCancel        MsgType = 0xCA
)

// MaxFrameSize bounds a single wire frame. Anything larger is treated
// as a corrupt frame and closes the connection.
const MaxFrameSize = 4 << 20

// Message is the wire envelope: a numeric type tag, a per-message uuid
// for gossip dedup, the sender's node ID and Lamport stamp, and an
// opaque JSON payload interpreted by the layer owning the tag.
type Message struct {
	Type      MsgType         `json:"type"`
	ID        string          `json:"id,omitempty"`
	From      string          `json:"from,omitempty"`
	LamportTS uint64          `json:"lamport_ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with a marshalled payload
func NewMessage(t MsgType, from string, ts uint64, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}
	return &Message{Type: t, From: from, LamportTS: ts, Payload: raw}, nil
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v interface{}) error {
	if m.Payload == nil {
		return fmt.Errorf("message 0x%02x has no payload", uint16(m.Type))
	}
	return json.Unmarshal(m.Payload, v)
}

// WriteFrame writes one length-prefixed frame: 4-byte big-endian length
// followed by the JSON-encoded message.
func WriteFrame(w io.Writer, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame. A corrupt length or
// undecodable body is an error; the caller closes the connection.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("corrupt frame: %w", err)
	}
	return &m, nil
}

// HelloPayload introduces a node after connect
type HelloPayload struct {
	NodeID   string `json:"node_id"`
	Host     string `json:"host"`
	P2PPort  int    `json:"p2p_port"`
	HTTPPort int    `json:"http_port"`
	Role     string `json:"role"`
}

// PexPayload trades known peer addresses
type PexPayload struct {
	Addrs []string `json:"addrs"`
}
