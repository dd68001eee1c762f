// Package pex implements the ut_pex peer exchange extension (BEP 11):
// peers trade the addresses of other peers they know about over the
// BEP 10 extension protocol, instead of going back to the tracker.
package pex

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/nvilla/bitpeer/bencode"
	"github.com/nvilla/bitpeer/discovery"
	"github.com/nvilla/bitpeer/wire"
)

// ExtensionName is the "m" dict key peers advertise this extension under
// during the BEP 10 extended handshake.
const ExtensionName = "ut_pex"

// Peer flags, set per-address in the "added.f"/"added6.f" byte strings.
const (
	FlagPreferEncryption = 0x01
	FlagSeedOnly         = 0x02
	FlagSupportsUTP      = 0x04
	FlagHolepunch        = 0x08
)

// Message is a decoded ut_pex payload: peers added and dropped since the
// last exchange, split by address family.
type Message struct {
	Added      []discovery.Endpoint
	AddedFlags []byte
	Added6     []discovery.Endpoint
	Added6Flags []byte
	Dropped    []discovery.Endpoint
	Dropped6   []discovery.Endpoint
}

// Encode builds the bencoded ut_pex dict for msg.
func Encode(msg Message) bencode.Value {
	d := bencode.Dict()
	if len(msg.Added) > 0 {
		d.Set("added", bencode.String(string(encodeCompact(msg.Added, false))))
	}
	if len(msg.AddedFlags) > 0 {
		d.Set("added.f", bencode.String(string(msg.AddedFlags)))
	}
	if len(msg.Added6) > 0 {
		d.Set("added6", bencode.String(string(encodeCompact(msg.Added6, true))))
	}
	if len(msg.Added6Flags) > 0 {
		d.Set("added6.f", bencode.String(string(msg.Added6Flags)))
	}
	if len(msg.Dropped) > 0 {
		d.Set("dropped", bencode.String(string(encodeCompact(msg.Dropped, false))))
	}
	if len(msg.Dropped6) > 0 {
		d.Set("dropped6", bencode.String(string(encodeCompact(msg.Dropped6, true))))
	}
	return d
}

// Decode parses a ut_pex dict back into a Message.
func Decode(dict bencode.Value) (Message, error) {
	if dict.Kind != bencode.KindDict {
		return Message{}, fmt.Errorf("pex: expected dict, got kind %d", dict.Kind)
	}
	var msg Message
	var err error
	if msg.Added, err = decodeCompactField(dict, "added", false); err != nil {
		return Message{}, err
	}
	msg.AddedFlags = stringField(dict, "added.f")
	if msg.Added6, err = decodeCompactField(dict, "added6", true); err != nil {
		return Message{}, err
	}
	msg.Added6Flags = stringField(dict, "added6.f")
	if msg.Dropped, err = decodeCompactField(dict, "dropped", false); err != nil {
		return Message{}, err
	}
	if msg.Dropped6, err = decodeCompactField(dict, "dropped6", true); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func stringField(dict bencode.Value, key string) []byte {
	v, ok := dict.Get(key)
	if !ok || v.Kind != bencode.KindString {
		return nil
	}
	return v.Str
}

func decodeCompactField(dict bencode.Value, key string, ipv6 bool) ([]discovery.Endpoint, error) {
	v, ok := dict.Get(key)
	if !ok {
		return nil, nil
	}
	if v.Kind != bencode.KindString {
		return nil, fmt.Errorf("pex: %q must be a byte string", key)
	}
	return decodeCompact(v.Str, ipv6)
}

const (
	ipv4EntrySize = 6
	ipv6EntrySize = 18
)

func encodeCompact(eps []discovery.Endpoint, ipv6 bool) []byte {
	size := ipv4EntrySize
	if ipv6 {
		size = ipv6EntrySize
	}
	out := make([]byte, 0, len(eps)*size)
	for _, ep := range eps {
		ip := ep.IP.To4()
		if ipv6 {
			ip = ep.IP.To16()
		}
		if ip == nil {
			continue
		}
		out = append(out, ip...)
		port := make([]byte, 2)
		binary.BigEndian.PutUint16(port, uint16(ep.Port))
		out = append(out, port...)
	}
	return out
}

func decodeCompact(data []byte, ipv6 bool) ([]discovery.Endpoint, error) {
	size := ipv4EntrySize
	if ipv6 {
		size = ipv6EntrySize
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("pex: compact peer list length %d not a multiple of %d", len(data), size)
	}
	eps := make([]discovery.Endpoint, 0, len(data)/size)
	for i := 0; i < len(data); i += size {
		entry := data[i : i+size]
		ipBytes := entry[:size-2]
		ip := net.IP(append([]byte(nil), ipBytes...))
		port := binary.BigEndian.Uint16(entry[size-2:])
		eps = append(eps, discovery.Endpoint{IP: ip, Port: int(port), Source: "pex"})
	}
	return eps, nil
}

// Tracker maintains the set of peer addresses last advertised to one
// remote peer, so each outgoing Message carries only the delta (added
// and dropped) rather than the full known set, per BEP 11.
type Tracker struct {
	mu   sync.Mutex
	last map[string]discovery.Endpoint
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]discovery.Endpoint)}
}

// Diff computes the added/dropped Message against current, the set of
// peers now known for this torrent, and updates the tracker's baseline
// to current.
func (t *Tracker) Diff(current []discovery.Endpoint) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	currentSet := make(map[string]discovery.Endpoint, len(current))
	var msg Message
	for _, ep := range current {
		currentSet[ep.String()] = ep
		if _, ok := t.last[ep.String()]; !ok {
			if ep.IP.To4() != nil {
				msg.Added = append(msg.Added, ep)
				msg.AddedFlags = append(msg.AddedFlags, 0)
			} else {
				msg.Added6 = append(msg.Added6, ep)
				msg.Added6Flags = append(msg.Added6Flags, 0)
			}
		}
	}
	for key, ep := range t.last {
		if _, ok := currentSet[key]; !ok {
			if ep.IP.To4() != nil {
				msg.Dropped = append(msg.Dropped, ep)
			} else {
				msg.Dropped6 = append(msg.Dropped6, ep)
			}
		}
	}
	t.last = currentSet
	return msg
}

// BuildExtended wraps msg as a BEP 10 extended message addressed to the
// remote peer's advertised local id for ut_pex.
func BuildExtended(remoteExtID uint8, msg Message) *wire.Message {
	return wire.NewExtended(remoteExtID, Encode(msg), nil)
}

// Apply feeds the peers carried by an incoming ut_pex Message into agg.
func Apply(msg Message, agg *discovery.Aggregator) {
	for _, ep := range msg.Added {
		agg.Feed(ep, "pex")
	}
	for _, ep := range msg.Added6 {
		agg.Feed(ep, "pex")
	}
}
