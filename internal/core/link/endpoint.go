package link

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/pkg/encoding"
	"github.com/syncline/syncline/pkg/generic"
)

// fragPool recycles fragment buffers across messages and endpoints. A
// buffer goes back once its fragment is acknowledged (reliable) or written
// to a packet (unreliable).
var fragPool = generic.NewResetPool(
	func() []byte { return nil },
	func(b []byte) []byte { return b[:0] },
)

// protoTag marks every datagram of this protocol. Anything else is rejected
// before parsing.
const protoTag uint32 = 0x53594C4B

// fragment header: channel, mode, msgSeq, fragIndex, fragCount + length
// prefix of the payload.
const fragOverhead = 1 + 1 + 2 + 1 + 1 + 3

// packet header: tag, checksum, packetSeq, ackSeq, ackBits, plus the tick
// varint at its worst-case ten bytes. Undersizing the tick reservation
// would wedge Outgoing once the tick count outgrows the smaller encoding.
const headerOverhead = 4 + 4 + 2 + 2 + 4 + 10

type msgKey struct {
	channel ChannelID
	seq     uint16
}

// outMessage tracks one sent message until every fragment is acknowledged
// (reliable) or until it has been handed to the transport once (unreliable).
type outMessage struct {
	id       MessageID
	channel  ChannelID
	mode     DeliveryMode
	seq      uint16
	frags    [][]byte
	acked    []bool
	ackedCnt int
	lastSent []time.Time
	attempts []int
	queued   []bool // fragment sits in the send queue right now
}

type fragRef struct {
	msg  *outMessage
	idx  int
	sent bool // retransmission vs first send, for loss accounting
}

type packetRecord struct {
	sentAt time.Time
	refs   []fragRef
	fresh  bool // no retransmitted fragments inside, usable for RTT
}

type reasmBuf struct {
	mode    DeliveryMode
	frags   [][]byte
	got     int
	total   int
	firstAt time.Time
}

// Endpoint implements the link channel for a single connection. It is not
// safe for concurrent use; the session pumps it from the tick goroutine,
// which is the single-writer discipline the whole core relies on.
type Endpoint struct {
	cfg Config
	log log.Log

	// send side
	nextMsgID  MessageID
	nextSeq    map[ChannelID]uint16
	packetSeq  uint16
	sendQueue  []fragRef
	reliable   map[MessageID]*outMessage
	inFlight   map[uint16]*packetRecord
	ackedOut   []MessageID
	ackDirty   bool
	lastAckRun time.Time

	// receive side
	remoteSeq      uint16
	remoteBits     uint32
	remoteSeqSeen  bool
	remoteTick     tick.Tick
	reassembly     map[msgKey]*reasmBuf
	orderedExpect  map[ChannelID]uint16
	orderedPending map[ChannelID]map[uint16][]byte
	sequencedLast  map[ChannelID]uint16
	sequencedSeen  map[ChannelID]bool
	dedupeNewest   map[ChannelID]uint16
	dedupeBits     map[ChannelID]uint64
	delivered      []Incoming

	// stats
	rtt         time.Duration
	rttValid    bool
	loss        float64
	packetsSent uint64
	packetsRecv uint64
	bytesSent   uint64
	bytesRecv   uint64
}

// NewEndpoint creates a link endpoint with the given configuration.
func NewEndpoint(cfg Config, logger log.Log) *Endpoint {
	return &Endpoint{
		cfg:            cfg,
		log:            logger.With(log.String("component", "link")),
		nextSeq:        make(map[ChannelID]uint16),
		reliable:       make(map[MessageID]*outMessage),
		inFlight:       make(map[uint16]*packetRecord),
		reassembly:     make(map[msgKey]*reasmBuf),
		orderedExpect:  make(map[ChannelID]uint16),
		orderedPending: make(map[ChannelID]map[uint16][]byte),
		sequencedLast:  make(map[ChannelID]uint16),
		sequencedSeen:  make(map[ChannelID]bool),
		dedupeNewest:   make(map[ChannelID]uint16),
		dedupeBits:     make(map[ChannelID]uint64),
	}
}

// Send queues a message for delivery. The message is fragmented if it does
// not fit a single datagram. Returns the id used in Acked reporting.
func (e *Endpoint) Send(channel ChannelID, payload []byte, mode DeliveryMode) (MessageID, error) {
	maxFrag := e.cfg.MTU - headerOverhead - fragOverhead
	if maxFrag <= 0 {
		maxFrag = 512
	}
	fragCount := (len(payload) + maxFrag - 1) / maxFrag
	if fragCount == 0 {
		fragCount = 1
	}
	if fragCount > 255 {
		return 0, ErrMessageTooLarge
	}

	e.nextSeq[channel]++
	e.nextMsgID++
	m := &outMessage{
		id:       e.nextMsgID,
		channel:  channel,
		mode:     mode,
		seq:      e.nextSeq[channel],
		frags:    make([][]byte, fragCount),
		acked:    make([]bool, fragCount),
		lastSent: make([]time.Time, fragCount),
		attempts: make([]int, fragCount),
		queued:   make([]bool, fragCount),
	}
	for i := 0; i < fragCount; i++ {
		lo := i * maxFrag
		hi := lo + maxFrag
		if hi > len(payload) {
			hi = len(payload)
		}
		m.frags[i] = append(fragPool.Get(), payload[lo:hi]...)
		m.queued[i] = true
		e.sendQueue = append(e.sendQueue, fragRef{msg: m, idx: i})
	}
	if mode.reliable() {
		e.reliable[m.id] = m
	}
	return m.id, nil
}

// Outgoing drains queued and overdue fragments into datagrams ready for the
// transport, stamped with the local tick. Called once per tick.
func (e *Endpoint) Outgoing(now time.Time, local tick.Tick) [][]byte {
	e.queueRetransmits(now)
	e.expireReassembly(now)

	var packets [][]byte
	for len(e.sendQueue) > 0 {
		packets = append(packets, e.buildPacket(now, local))
	}
	if packets == nil && e.ackDirty {
		// Ack-only packet so one-way traffic still acks.
		packets = append(packets, e.buildPacket(now, local))
	}
	e.ackDirty = false
	return packets
}

func (e *Endpoint) buildPacket(now time.Time, local tick.Tick) []byte {
	e.packetSeq++
	record := &packetRecord{sentAt: now, fresh: true}

	w := encoding.NewWriter(e.cfg.MTU)
	w.Uint32(protoTag)
	w.Uint32(0) // checksum backfilled below
	w.Uint16(e.packetSeq)
	ackSeq, ackBits := e.currentAck()
	w.Uint16(ackSeq)
	w.Uint32(ackBits)
	w.Uvarint(uint64(local))

	budget := e.cfg.MTU - w.Len()
	kept := e.sendQueue[:0]
	for qi, ref := range e.sendQueue {
		m := ref.msg
		if m.mode.reliable() && m.acked[ref.idx] {
			// Acked while waiting in the queue; its buffer is gone.
			m.queued[ref.idx] = false
			continue
		}
		need := fragOverhead + len(m.frags[ref.idx])
		if need > budget {
			kept = append(kept, e.sendQueue[qi:]...)
			break
		}
		w.Uint8(uint8(m.channel))
		w.Uint8(uint8(m.mode))
		w.Uint16(m.seq)
		w.Uint8(uint8(ref.idx))
		w.Uint8(uint8(len(m.frags)))
		w.Blob(m.frags[ref.idx])
		budget -= need

		m.queued[ref.idx] = false
		m.lastSent[ref.idx] = now
		m.attempts[ref.idx]++
		if m.attempts[ref.idx] > 1 {
			record.fresh = false
		}
		if m.mode.reliable() {
			record.refs = append(record.refs, fragRef{msg: m, idx: ref.idx})
		} else {
			fragPool.Put(m.frags[ref.idx])
			m.frags[ref.idx] = nil
		}
	}
	e.sendQueue = kept

	buf := w.Bytes()
	sum := uint32(xxhash.Sum64(buf[8:]))
	buf[4] = byte(sum)
	buf[5] = byte(sum >> 8)
	buf[6] = byte(sum >> 16)
	buf[7] = byte(sum >> 24)

	e.inFlight[e.packetSeq] = record
	e.packetsSent++
	e.bytesSent += uint64(len(buf))
	return buf
}

// queueRetransmits requeues reliable fragments whose ack is overdue.
func (e *Endpoint) queueRetransmits(now time.Time) {
	for _, m := range e.reliable {
		for i := range m.frags {
			if m.acked[i] || m.queued[i] || m.lastSent[i].IsZero() {
				continue
			}
			if now.Sub(m.lastSent[i]) < e.retryAfter(m.attempts[i]) {
				continue
			}
			m.queued[i] = true
			e.sendQueue = append(e.sendQueue, fragRef{msg: m, idx: i, sent: true})
			// A retransmission counts as one lost packet sample.
			e.loss = ewmaF(e.loss, 1.0, 0.05)
		}
	}
}

// retryAfter computes the retransmit delay for the given attempt count: the
// nack multiple of the smoothed RTT with exponential backoff, clamped.
func (e *Endpoint) retryAfter(attempts int) time.Duration {
	base := time.Duration(e.cfg.NackRTTMultiple * float64(e.rtt))
	if !e.rttValid || base < e.cfg.RetryFloor {
		base = e.cfg.RetryFloor
	}
	for i := 1; i < attempts; i++ {
		base *= 2
		if base >= e.cfg.RetryCeiling {
			return e.cfg.RetryCeiling
		}
	}
	if base > e.cfg.RetryCeiling {
		base = e.cfg.RetryCeiling
	}
	return base
}

// Acked returns and clears the reliable message ids fully acknowledged since
// the previous call.
func (e *Endpoint) Acked() []MessageID {
	out := e.ackedOut
	e.ackedOut = nil
	return out
}

// Poll returns and clears messages delivered since the previous call.
func (e *Endpoint) Poll() []Incoming {
	out := e.delivered
	e.delivered = nil
	return out
}

// RemoteTick returns the most recent tick stamp seen from the peer.
func (e *Endpoint) RemoteTick() tick.Tick { return e.remoteTick }

// Stats returns current link statistics.
func (e *Endpoint) Stats() Stats {
	return Stats{
		RTT:         e.rtt,
		Loss:        e.loss,
		PacketsSent: e.packetsSent,
		PacketsRecv: e.packetsRecv,
		BytesSent:   e.bytesSent,
		BytesRecv:   e.bytesRecv,
	}
}

// Reset drops all pending retransmissions and reassembly state. Called when
// the owning connection is torn down.
func (e *Endpoint) Reset() {
	e.sendQueue = nil
	e.reliable = make(map[MessageID]*outMessage)
	e.inFlight = make(map[uint16]*packetRecord)
	e.reassembly = make(map[msgKey]*reasmBuf)
	e.delivered = nil
	e.ackedOut = nil
}

func (e *Endpoint) expireReassembly(now time.Time) {
	for k, buf := range e.reassembly {
		if now.Sub(buf.firstAt) > e.cfg.FragmentTimeout {
			delete(e.reassembly, k)
		}
	}
}

func ewmaF(prev, sample, alpha float64) float64 {
	return prev*(1-alpha) + sample*alpha
}
