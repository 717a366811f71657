// Package metadata implements BEP-9 (ut_metadata) extension-for-peers
// metadata transfer: fetching an info-dictionary from peers when a torrent
// was added by magnet link, and serving it back out once we have it.
package metadata

import (
	"fmt"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/cast"
)

// MsgType is the BEP-9 ut_metadata message discriminator.
type MsgType int

const (
	MsgTypeRequest MsgType = 0
	MsgTypeData    MsgType = 1
	MsgTypeReject  MsgType = 2
)

// PieceSize is BEP-9's fixed metadata piece size; only the final piece of an
// info-dict may be shorter.
const PieceSize = 16 * 1024

// EncodeRequest builds the bencoded body of a ut_metadata "request" message
// asking for metadata piece p.
func EncodeRequest(p int) []byte {
	b, _ := bencode.Marshal(map[string]any{
		"msg_type": int64(MsgTypeRequest),
		"piece":    int64(p),
	})
	return b
}

// EncodeReject builds the bencoded body of a ut_metadata "reject" message
// for piece p.
func EncodeReject(p int) []byte {
	b, _ := bencode.Marshal(map[string]any{
		"msg_type": int64(MsgTypeReject),
		"piece":    int64(p),
	})
	return b
}

// EncodeData builds a ut_metadata "data" message: the bencoded header
// followed directly by payload, the raw bytes of metadata piece p.
// totalSize is the full info-dict length, per BEP-9.
func EncodeData(p, totalSize int, payload []byte) []byte {
	header, _ := bencode.Marshal(map[string]any{
		"msg_type":   int64(MsgTypeData),
		"piece":      int64(p),
		"total_size": int64(totalSize),
	})
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// Message is a decoded ut_metadata message. Payload is only populated for
// MsgTypeData.
type Message struct {
	Type      MsgType
	Piece     int
	TotalSize int
	Payload   []byte
}

// DecodeMessage parses a ut_metadata message body: a bencoded header dict,
// optionally followed by raw piece bytes for a "data" message.
func DecodeMessage(data []byte) (Message, error) {
	v, consumed, err := bencode.DecodePrefix(data)
	if err != nil {
		return Message{}, fmt.Errorf("ut_metadata: decode header: %w", err)
	}

	dict, ok := v.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("ut_metadata: header is not a dict")
	}

	rawType, err := cast.ToInt(dict["msg_type"])
	if err != nil {
		return Message{}, fmt.Errorf("ut_metadata: msg_type: %w", err)
	}

	piece, err := cast.ToInt(dict["piece"])
	if err != nil {
		return Message{}, fmt.Errorf("ut_metadata: piece: %w", err)
	}

	msg := Message{Type: MsgType(rawType), Piece: int(piece)}

	switch msg.Type {
	case MsgTypeRequest, MsgTypeReject:
		// no further fields
	case MsgTypeData:
		total, err := cast.ToInt(dict["total_size"])
		if err != nil {
			return Message{}, fmt.Errorf("ut_metadata: total_size: %w", err)
		}
		msg.TotalSize = int(total)
		msg.Payload = data[consumed:]
	default:
		return Message{}, fmt.Errorf("ut_metadata: unknown msg_type %d", rawType)
	}

	return msg, nil
}
