// Package wire implements the BitTorrent peer wire protocol: the
// handshake, the length-prefixed message framing used after it, and the
// BEP 10 extension-protocol envelope (including ut_pex, BEP 11).
// Grounded on messaging/{handshake,messages}.go and
// torrent/{handshake,extensions}.go, generalized into one package that
// reads/writes actual connections instead of a fixed byte payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nvilla/bitpeer/bencode"
)

// Protocol is the identifier string sent in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed length of a handshake message:
// 1 (pstrlen) + len(Protocol) + 8 (reserved) + 20 (info-hash) + 20 (peer-id).
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Reserved extension bits, set in the handshake's 8 reserved bytes.
const (
	ReservedExtended = 0x10 // reserved[5] bit 4, BEP 10
	ReservedDHT      = 0x01 // reserved[7] bit 0, BEP 5
)

// MaxFrameLength is the largest frame (length prefix value) this
// implementation will accept; larger frames close the session with
// ErrOversized.
const MaxFrameLength = 1<<17 + 16*1024

// MessageID identifies a framed message's type.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port // 9: BEP 5 DHT port announcement
	_
	_
	_
	_
	_
	_
	_
	_
	_
	_
	Extended MessageID = 20
)

var (
	ErrInfoHashMismatch = errors.New("wire: info-hash mismatch")
	ErrOversized        = errors.New("wire: frame exceeds maximum length")
	ErrMalformedMessage = errors.New("wire: malformed message")
)

// Handshake is the decoded 68-byte handshake payload.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// SupportsExtended reports whether the BEP 10 extension bit is set.
func (h Handshake) SupportsExtended() bool { return h.Reserved[5]&ReservedExtended != 0 }

// SupportsDHT reports whether the BEP 5 DHT bit is set.
func (h Handshake) SupportsDHT() bool { return h.Reserved[7]&ReservedDHT != 0 }

// Encode serializes a handshake, advertising both the extension protocol
// and DHT per this implementation's fixed capability set.
func Encode(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	reserved := buf[1+len(Protocol) : 1+len(Protocol)+8]
	reserved[5] |= ReservedExtended
	reserved[7] |= ReservedDHT
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake from r. When checkHash is
// true, an info-hash other than expectedInfoHash fails with
// ErrInfoHashMismatch; pass checkHash false to skip the check, e.g. for
// an inbound connection before dispatch.
func ReadHandshake(r io.Reader, expectedInfoHash [20]byte, checkHash bool) (*Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read handshake: %w", err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(Protocol) || string(buf[1:1+pstrlen]) != Protocol {
		return nil, fmt.Errorf("%w: unexpected protocol string", ErrMalformedMessage)
	}
	h := &Handshake{}
	copy(h.Reserved[:], buf[1+pstrlen:1+pstrlen+8])
	copy(h.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+8+20])
	copy(h.PeerID[:], buf[1+pstrlen+8+20:1+pstrlen+8+40])
	if checkHash && h.InfoHash != expectedInfoHash {
		return nil, ErrInfoHashMismatch
	}
	return h, nil
}

// WriteHandshake writes a handshake advertising our capabilities.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	_, err := w.Write(Encode(infoHash, peerID))
	return err
}

// Message is one framed protocol message. ReadMessage returns a
// keep-alive as a Message with ID 0 and a nil Payload; IsKeepAlive
// tells it apart from a choke.
type Message struct {
	ID      MessageID
	Payload []byte
	keepAlive bool
}

// IsKeepAlive reports whether this Message is a zero-length keep-alive.
func (m *Message) IsKeepAlive() bool { return m != nil && m.keepAlive }

// ReadMessage reads exactly one frame: a keep-alive (length 0, no id) or
// a message with an id and payload. It does not loop past keep-alives;
// callers that want the first substantive message should loop
// themselves, since keep-alives are meaningful liveness signals upstream.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return &Message{keepAlive: true}, nil
	}
	if length > MaxFrameLength {
		return nil, ErrOversized
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

// Encode serializes msg into its framed wire representation.
func (m *Message) Encode() []byte {
	payLen := uint32(len(m.Payload) + 1)
	out := make([]byte, 4+payLen)
	binary.BigEndian.PutUint32(out, payLen)
	out[4] = byte(m.ID)
	copy(out[5:], m.Payload)
	return out
}

// KeepAlive returns the wire encoding of a keep-alive message.
func KeepAlive() []byte { return []byte{0, 0, 0, 0} }

// NewChoke, NewUnchoke, ... build zero-payload control messages.
func NewChoke() *Message         { return &Message{ID: Choke} }
func NewUnchoke() *Message       { return &Message{ID: Unchoke} }
func NewInterested() *Message    { return &Message{ID: Interested} }
func NewNotInterested() *Message { return &Message{ID: NotInterested} }

// NewHave builds a have message for piece index.
func NewHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: Have, Payload: payload}
}

// ParseHave extracts the piece index from a have message's payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have payload must be 4 bytes, got %d", ErrMalformedMessage, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// NewBitfield builds a bitfield message from raw bit-packed bytes.
func NewBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: bits}
}

// NewPort builds a BEP 5 port message, telling the peer our DHT node's
// UDP port so it can add us to its routing table.
func NewPort(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return &Message{ID: Port, Payload: payload}
}

// ParsePort extracts the DHT port from a port message's payload.
func ParsePort(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("%w: port payload must be 2 bytes, got %d", ErrMalformedMessage, len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// BlockRequest is the (piece, offset, length) triple shared by request,
// piece and cancel messages.
type BlockRequest struct {
	Piece  uint32
	Offset uint32
	Length uint32
}

// NewRequest builds a request message.
func NewRequest(r BlockRequest) *Message {
	return &Message{ID: Request, Payload: encodeBlockHeader(r)}
}

// NewCancel builds a cancel message.
func NewCancel(r BlockRequest) *Message {
	return &Message{ID: Cancel, Payload: encodeBlockHeader(r)}
}

// ParseRequest parses a request or cancel message's payload.
func ParseRequest(payload []byte) (BlockRequest, error) {
	if len(payload) != 12 {
		return BlockRequest{}, fmt.Errorf("%w: request payload must be 12 bytes, got %d", ErrMalformedMessage, len(payload))
	}
	return BlockRequest{
		Piece:  binary.BigEndian.Uint32(payload[0:4]),
		Offset: binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

func encodeBlockHeader(r BlockRequest) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], r.Piece)
	binary.BigEndian.PutUint32(payload[4:8], r.Offset)
	binary.BigEndian.PutUint32(payload[8:12], r.Length)
	return payload
}

// Block is a received piece message: its header plus the block bytes.
type Block struct {
	Piece  uint32
	Offset uint32
	Data   []byte
}

// NewPiece builds a piece message carrying data for (piece, offset).
func NewPiece(piece, offset uint32, data []byte) *Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], piece)
	binary.BigEndian.PutUint32(payload[4:8], offset)
	copy(payload[8:], data)
	return &Message{ID: Piece, Payload: payload}
}

// ParseBlock parses a piece message's payload.
func ParseBlock(payload []byte) (Block, error) {
	if len(payload) < 8 {
		return Block{}, fmt.Errorf("%w: piece payload must be at least 8 bytes, got %d", ErrMalformedMessage, len(payload))
	}
	return Block{
		Piece:  binary.BigEndian.Uint32(payload[0:4]),
		Offset: binary.BigEndian.Uint32(payload[4:8]),
		Data:   payload[8:],
	}, nil
}

// ExtendedMessage is the decoded payload of an ID-20 extended message:
// a one-byte local extension id followed by a bencoded dict and an
// optional trailing raw payload (used by ut_metadata's data messages).
type ExtendedMessage struct {
	ExtID   uint8
	Dict    bencode.Value
	Trailer []byte
}

// NewExtended builds an extended message (ID 20).
func NewExtended(extID uint8, dict bencode.Value, trailer []byte) *Message {
	encoded := bencode.Encode(dict)
	payload := make([]byte, 1+len(encoded)+len(trailer))
	payload[0] = extID
	copy(payload[1:], encoded)
	copy(payload[1+len(encoded):], trailer)
	return &Message{ID: Extended, Payload: payload}
}

// ParseExtended decodes an extended message's payload: the leading
// ext-id byte, the bencoded dict, and any trailing raw bytes beyond it
// (used by ut_metadata "data" messages to carry the piece bytes without
// re-encoding them as a bencode string).
func ParseExtended(payload []byte) (ExtendedMessage, error) {
	if len(payload) < 1 {
		return ExtendedMessage{}, fmt.Errorf("%w: empty extended payload", ErrMalformedMessage)
	}
	extID := payload[0]
	dict, n, err := bencode.Decode(payload[1:])
	if err != nil {
		return ExtendedMessage{}, fmt.Errorf("%w: extended dict: %v", ErrMalformedMessage, err)
	}
	return ExtendedMessage{ExtID: extID, Dict: dict, Trailer: payload[1+n:]}, nil
}

// ExtendedHandshakeDict builds the ID-0 extended handshake dict
// advertising the local extension name -> id map, per BEP 10.
func ExtendedHandshakeDict(supported map[string]uint8) bencode.Value {
	m := bencode.Dict()
	for name, id := range supported {
		m.Set(name, bencode.Int(int64(id)))
	}
	d := bencode.Dict()
	d.Set("m", m)
	return d
}

// ParseExtendedHandshake extracts the name->local-id extension map from
// an ID-0 extended handshake dict.
func ParseExtendedHandshake(dict bencode.Value) (map[string]uint8, error) {
	mVal, ok := dict.Get("m")
	if !ok || mVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: extended handshake missing \"m\"", ErrMalformedMessage)
	}
	out := make(map[string]uint8, len(mVal.Dict))
	for name, idVal := range mVal.Dict {
		if idVal.Kind != bencode.KindInt {
			continue
		}
		out[name] = uint8(idVal.Int)
	}
	return out, nil
}
