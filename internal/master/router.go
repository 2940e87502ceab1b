package master

import (
	"triboy/internal/events"
	"triboy/internal/faults"
	"triboy/internal/frame"
)

// dispatch implements the response router: an inbound 4-byte packet
// `[opcode, length, arg1, arg2]` is routed by opcode. The router never
// branches on an error kind itself, handing that off to faults.Manager;
// it only takes an opcode and calls the queue's completion methods, and
// the queue knows nothing about the router.
func (n *Node) dispatch(l *Link, pkt frame.Packet) {
	switch pkt.Opcode {
	case frame.OpACK:
		n.handleACK(l, pkt)
	case frame.OpError:
		n.handleError(l, pkt)
	case frame.OpVSync:
		n.handleInBandVSync(l)
	default:
		n.log.WithField("link", l.ID).WithField("opcode", pkt.Opcode).Warn("router: unexpected opcode, discarding")
	}
}

// handleACK completes the oldest matching outstanding command for the
// acknowledged opcode. A duplicate ACK (no match found) is logged and
// discarded, never re-completing anything. A CLOCK_SYNC
// ACK additionally records its round-trip time.
func (n *Node) handleACK(l *Link, pkt frame.Packet) {
	if len(pkt.Payload) < 2 {
		n.log.WithField("link", l.ID).Warn("router: short ACK payload, discarding")
		return
	}
	originalOpcode := pkt.Payload[0]
	entry, ok := l.Q.CompleteEntry(originalOpcode)
	if !ok {
		n.log.WithField("link", l.ID).WithField("opcode", originalOpcode).Info("router: duplicate or stray ACK, discarding")
		return
	}
	if originalOpcode == frame.OpClockSync {
		n.recordSyncACK(l.ID, l.Q.Now().Sub(entry.EnqueuedAt))
	}
}

// handleError forwards the reported fault to the fault manager and, for
// unrecoverable kinds, retires the queue entry immediately.
func (n *Node) handleError(l *Link, pkt frame.Packet) {
	if len(pkt.Payload) < 2 {
		n.log.WithField("link", l.ID).Warn("router: short ERROR payload, discarding")
		return
	}
	originalOpcode := pkt.Payload[0]
	kind := faults.ErrorKind(pkt.Payload[1])

	if !kind.Retryable() {
		l.Q.CompleteWithError(originalOpcode, uint8(kind))
	}

	actions := n.faultMgr.Report(l.ID, originalOpcode, kind)
	n.applyLinkActions(l, actions)
}

// handleInBandVSync raises a frame event from the GPU link's optional
// in-band 0xFB message; arg bytes are reserved and ignored.
func (n *Node) handleInBandVSync(l *Link) {
	if !l.CarriesVSync {
		n.log.WithField("link", l.ID).Warn("router: VSYNC from non-GPU link, discarding")
		return
	}
	n.notifyFrame(events.SourceInBand)
}

// applyLinkActions performs the side effects faults.Manager asked for.
func (n *Node) applyLinkActions(l *Link, actions faults.LinkActions) {
	if actions.Backoff > 0 {
		n.setBackoff(l.ID, actions.Backoff)
	}
	if actions.EnqueueCleanup {
		if _, err := l.Q.EnqueueFront(l.CleanupOpcode, nil, true); err != nil {
			n.log.WithError(err).WithField("link", l.ID).Warn("failed to enqueue cleanup command")
		}
	}
	if actions.ForceClockSync {
		n.ForceSync()
	}
	if actions.ResetLink {
		n.markDegraded("communication-failure")
		go n.recoverLink(l)
	}
	if actions.SlaveUnhealthy {
		n.markDegraded("health-check failures exhausted")
		n.setLinkHealthy(l.ID, false)
	}
}
