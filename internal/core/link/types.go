// Package link layers delivery guarantees on top of an unreliable datagram
// transport: fragmentation and reassembly, acknowledgement tracking through a
// sliding bitset, retransmission of reliable traffic, and loss/RTT statistics
// for the clock sync and bandwidth shaping above it.
package link

import (
	"errors"
	"time"
)

// ChannelID separates independent message streams on one connection.
// Ordering is only ever guaranteed within a channel.
type ChannelID uint8

// DeliveryMode selects the guarantee applied to a message.
type DeliveryMode uint8

const (
	// UnreliableUnordered delivers whatever arrives, in arrival order.
	UnreliableUnordered DeliveryMode = iota
	// UnreliableSequenced delivers only the newest message on the channel;
	// anything superseded is silently dropped.
	UnreliableSequenced
	// ReliableOrdered delivers every message exactly once, in send order.
	ReliableOrdered
	// ReliableUnordered delivers every message exactly once, in any order.
	ReliableUnordered
)

func (m DeliveryMode) String() string {
	switch m {
	case UnreliableUnordered:
		return "unreliable_unordered"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	case ReliableOrdered:
		return "reliable_ordered"
	case ReliableUnordered:
		return "reliable_unordered"
	default:
		return "unknown"
	}
}

func (m DeliveryMode) reliable() bool {
	return m == ReliableOrdered || m == ReliableUnordered
}

// MessageID identifies a message handed to Send, so callers can match
// acknowledgements to what they sent. Local to one endpoint.
type MessageID uint64

// Incoming is one delivered message.
type Incoming struct {
	Channel ChannelID
	Payload []byte
}

// Stats summarizes link health.
type Stats struct {
	RTT         time.Duration
	Loss        float64 // fraction of recently sent packets presumed lost
	PacketsSent uint64
	PacketsRecv uint64
	BytesSent   uint64
	BytesRecv   uint64
}

var (
	ErrMessageTooLarge = errors.New("link: message exceeds maximum fragment span")
	ErrChecksum        = errors.New("link: checksum mismatch")
	ErrMalformedPacket = errors.New("link: malformed packet")
	ErrUnknownProtocol = errors.New("link: unknown protocol tag")
)

// Config holds the link-layer knobs.
type Config struct {
	// MTU caps the size of an assembled datagram.
	MTU int `yaml:"mtu"`
	// NackRTTMultiple is how many multiples of the smoothed RTT to wait
	// before a reliable fragment is considered lost and retransmitted.
	NackRTTMultiple float64 `yaml:"nack_rtt_multiple"`
	// RetryFloor bounds the retransmit interval from below when the RTT
	// estimate is still tiny or absent.
	RetryFloor time.Duration `yaml:"retry_floor"`
	// RetryCeiling bounds the exponential backoff from above.
	RetryCeiling time.Duration `yaml:"retry_ceiling"`
	// FragmentTimeout discards incomplete reassembly buffers.
	FragmentTimeout time.Duration `yaml:"fragment_timeout"`
}

// DefaultConfig returns the default link settings.
func DefaultConfig() Config {
	return Config{
		MTU:             1200,
		NackRTTMultiple: 1.5,
		RetryFloor:      50 * time.Millisecond,
		RetryCeiling:    2 * time.Second,
		FragmentTimeout: 3 * time.Second,
	}
}

// seqNewer reports whether a is more recent than b under uint16 wraparound.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}
