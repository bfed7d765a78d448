// Package interconnect implements the fabrics that carry Messages
// between controllers: a zero-latency point-to-point link, a
// round-robin split-phase bus, and an NxN switch.
package interconnect

import (
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// Controller is the minimal surface an interconnect needs from anything
// attached to it: an identity, a way to deliver an inbound message, a
// back-pressure probe, and annulment.
type Controller interface {
	ID() message.ControllerID
	// Receive delivers msg, arriving over ic, to the controller. It
	// returns true if the controller accepted the message.
	Receive(ic Interconnect, msg message.Message) bool
	// IsFull reports back-pressure. fromInterconnect distinguishes the
	// smaller interconnect-delivered reserve from the internal-traffic
	// reserve, which trips sooner.
	IsFull(fromInterconnect bool) bool
	// AnnulRequest cancels any entry this controller holds for h.
	AnnulRequest(h request.Handle)
}

// Interconnect is the common fabric interface every cache/CPU/directory
// controller programs against.
type Interconnect interface {
	Name() string
	// Register attaches a controller to the fabric.
	Register(c Controller)
	// Send submits msg from sender's side of the fabric. It returns
	// true if the fabric accepted it; acceptance does not imply
	// delivery has happened yet except for the zero-latency
	// point-to-point case.
	Send(sender message.ControllerID, msg message.Message) bool
	// Delay returns the fabric's advertised per-hop latency, used by
	// callers retrying a refused Send (minimum 1).
	Delay() uint64
	// IsFull reports whether the fabric itself is a back-pressure
	// source (queues full), independent of any attached controller.
	IsFull() bool
	// AnnulRequest cancels any fabric-held entry (queued or in-flight)
	// referencing h.
	AnnulRequest(h request.Handle)
	// Reset drops everything queued or in flight, releasing any held
	// request references. Used by the hierarchy facade's flush.
	Reset()
}
