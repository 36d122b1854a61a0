package link

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/pkg/encoding"
)

// currentAck returns the ack fields describing which remote packets this
// endpoint has seen: the newest sequence number plus a bitset of the 32
// preceding ones.
func (e *Endpoint) currentAck() (uint16, uint32) {
	if !e.remoteSeqSeen {
		return 0, 0
	}
	return e.remoteSeq, e.remoteBits
}

// HandleDatagram ingests one datagram from the transport. Malformed input is
// rejected with an error and otherwise ignored; a transport fault never
// propagates past this point.
func (e *Endpoint) HandleDatagram(b []byte, now time.Time) error {
	if len(b) < 16 {
		return ErrMalformedPacket
	}
	r := encoding.NewReader(b)
	if r.Uint32() != protoTag {
		return ErrUnknownProtocol
	}
	sum := r.Uint32()
	if uint32(xxhash.Sum64(b[8:])) != sum {
		return ErrChecksum
	}
	packetSeq := r.Uint16()
	ackSeq := r.Uint16()
	ackBits := r.Uint32()
	remoteTick := tick.Tick(r.Uvarint())
	if r.Err() != nil {
		return ErrMalformedPacket
	}

	e.packetsRecv++
	e.bytesRecv += uint64(len(b))
	if tick.Delta(remoteTick, e.remoteTick) > 0 {
		e.remoteTick = remoteTick
	}
	e.recordReceived(packetSeq)
	e.processAcks(ackSeq, ackBits, now)

	for r.Err() == nil && r.Remaining() > 0 {
		channel := ChannelID(r.Uint8())
		mode := DeliveryMode(r.Uint8())
		seq := r.Uint16()
		idx := int(r.Uint8())
		cnt := int(r.Uint8())
		payload := r.Blob()
		if r.Err() != nil || cnt == 0 || idx >= cnt {
			return ErrMalformedPacket
		}
		if cnt == 1 {
			e.dispatch(channel, mode, seq, payload)
			continue
		}
		e.reassemble(channel, mode, seq, idx, cnt, payload, now)
	}
	return nil
}

// recordReceived folds a packet sequence number into the sliding ack bitset.
func (e *Endpoint) recordReceived(seq uint16) {
	e.ackDirty = true
	if !e.remoteSeqSeen {
		e.remoteSeqSeen = true
		e.remoteSeq = seq
		e.remoteBits = 0
		return
	}
	if seqNewer(seq, e.remoteSeq) {
		shift := seq - e.remoteSeq
		if shift >= 32 {
			e.remoteBits = 0
		} else {
			e.remoteBits = e.remoteBits<<shift | 1<<(shift-1)
		}
		e.remoteSeq = seq
		return
	}
	diff := e.remoteSeq - seq
	if diff >= 1 && diff <= 32 {
		e.remoteBits |= 1 << (diff - 1)
	}
}

// processAcks walks the peer's ack fields and retires in-flight packets.
func (e *Endpoint) processAcks(ackSeq uint16, ackBits uint32, now time.Time) {
	if len(e.inFlight) == 0 {
		return
	}
	e.ackOne(ackSeq, now)
	for i := uint16(0); i < 32; i++ {
		if ackBits&(1<<i) != 0 {
			e.ackOne(ackSeq-1-i, now)
		}
	}
	// Drop records that can no longer be acked; their fragments are picked
	// up by the retransmit scan.
	for seq, rec := range e.inFlight {
		if now.Sub(rec.sentAt) > 2*e.cfg.RetryCeiling {
			delete(e.inFlight, seq)
		}
	}
}

func (e *Endpoint) ackOne(seq uint16, now time.Time) {
	rec, ok := e.inFlight[seq]
	if !ok {
		return
	}
	delete(e.inFlight, seq)

	if rec.fresh {
		// Karn's rule: only packets that were never retransmitted give an
		// unambiguous RTT sample.
		sample := now.Sub(rec.sentAt)
		if !e.rttValid {
			e.rtt = sample
			e.rttValid = true
		} else {
			e.rtt = time.Duration(float64(e.rtt)*0.9 + float64(sample)*0.1)
		}
		e.loss = ewmaF(e.loss, 0.0, 0.05)
	}

	for _, ref := range rec.refs {
		m := ref.msg
		if m.acked[ref.idx] {
			continue
		}
		m.acked[ref.idx] = true
		m.ackedCnt++
		fragPool.Put(m.frags[ref.idx])
		m.frags[ref.idx] = nil
		if m.ackedCnt == len(m.frags) {
			delete(e.reliable, m.id)
			e.ackedOut = append(e.ackedOut, m.id)
		}
	}
}

func (e *Endpoint) reassemble(channel ChannelID, mode DeliveryMode, seq uint16, idx, cnt int, payload []byte, now time.Time) {
	key := msgKey{channel: channel, seq: seq}
	buf, ok := e.reassembly[key]
	if !ok {
		buf = &reasmBuf{mode: mode, frags: make([][]byte, cnt), total: cnt, firstAt: now}
		e.reassembly[key] = buf
	}
	if buf.total != cnt || buf.frags[idx] != nil {
		return // inconsistent or duplicate fragment
	}
	buf.frags[idx] = payload
	buf.got++
	if buf.got < buf.total {
		return
	}
	delete(e.reassembly, key)
	size := 0
	for _, f := range buf.frags {
		size += len(f)
	}
	whole := make([]byte, 0, size)
	for _, f := range buf.frags {
		whole = append(whole, f...)
	}
	e.dispatch(channel, buf.mode, seq, whole)
}

// dispatch applies the channel's delivery policy to a fully reassembled
// message.
func (e *Endpoint) dispatch(channel ChannelID, mode DeliveryMode, seq uint16, payload []byte) {
	switch mode {
	case UnreliableUnordered:
		e.deliver(channel, payload)

	case UnreliableSequenced:
		if e.sequencedSeen[channel] && !seqNewer(seq, e.sequencedLast[channel]) {
			return // superseded by a newer message, drop silently
		}
		e.sequencedSeen[channel] = true
		e.sequencedLast[channel] = seq
		e.deliver(channel, payload)

	case ReliableUnordered:
		if !e.dedupeCheck(channel, seq) {
			return
		}
		e.deliver(channel, payload)

	case ReliableOrdered:
		expect, ok := e.orderedExpect[channel]
		if !ok {
			expect = 1
		}
		switch {
		case seq == expect:
			e.deliver(channel, payload)
			expect++
			pending := e.orderedPending[channel]
			for pending != nil {
				next, found := pending[expect]
				if !found {
					break
				}
				delete(pending, expect)
				e.deliver(channel, next)
				expect++
			}
		case seqNewer(seq, expect):
			if e.orderedPending[channel] == nil {
				e.orderedPending[channel] = make(map[uint16][]byte)
			}
			if len(e.orderedPending[channel]) < 1024 {
				e.orderedPending[channel][seq] = payload
			} else {
				e.log.Warn("ordered backlog full, dropping message",
					log.Uint8("channel", uint8(channel)),
					log.Uint16("seq", seq))
			}
		default:
			// Old or duplicate, already delivered.
		}
		e.orderedExpect[channel] = expect

	default:
		e.log.Warn("unknown delivery mode", log.Uint8("mode", uint8(mode)))
	}
}

// dedupeCheck reports whether a reliable-unordered message is new, tracking
// a 64-wide window behind the newest seen sequence.
func (e *Endpoint) dedupeCheck(channel ChannelID, seq uint16) bool {
	newest, seen := e.dedupeNewest[channel]
	if !seen {
		e.dedupeNewest[channel] = seq
		e.dedupeBits[channel] = 0
		return true
	}
	bits := e.dedupeBits[channel]
	switch {
	case seq == newest:
		return false
	case seqNewer(seq, newest):
		shift := seq - newest
		if shift >= 64 {
			bits = 0
		} else {
			bits = bits<<shift | 1<<(shift-1)
		}
		e.dedupeNewest[channel] = seq
		e.dedupeBits[channel] = bits
		return true
	default:
		diff := newest - seq
		if diff > 64 {
			return false // too old to distinguish, assume duplicate
		}
		mask := uint64(1) << (diff - 1)
		if bits&mask != 0 {
			return false
		}
		e.dedupeBits[channel] = bits | mask
		return true
	}
}

func (e *Endpoint) deliver(channel ChannelID, payload []byte) {
	e.delivered = append(e.delivered, Incoming{Channel: channel, Payload: payload})
}
