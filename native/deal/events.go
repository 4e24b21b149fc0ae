package deal

import (
	"encoding/hex"
	"strconv"
)

const (
	EventTypeDeployed         = "deal.deployed"
	EventTypeFunded           = "deal.funded"
	EventTypeReleased         = "deal.released"
	EventTypeRefunded         = "deal.refunded"
	EventTypeDisputed         = "deal.disputed"
	EventTypeResolved         = "deal.resolved"
	EventTypeDeadlineExtended = "deal.deadline_extended"
	EventTypeIgnored          = "deal.ignored"
)

// Event is a structured state change recorded in the ledger receipt of the
// message that caused it.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives events as the ledger commits them.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// NewDeployedEvent returns the payload recorded when a contract is created.
func NewDeployedEvent(e *DealEscrow) Event { return newDealEvent(EventTypeDeployed, e) }

// NewFundedEvent returns the payload recorded when the contract accepts Fund.
func NewFundedEvent(e *DealEscrow, value string) Event {
	evt := newDealEvent(EventTypeFunded, e)
	evt.Attributes["value"] = value
	return evt
}

func NewReleasedEvent(e *DealEscrow, amount string) Event {
	evt := newDealEvent(EventTypeReleased, e)
	evt.Attributes["amount"] = amount
	return evt
}

func NewRefundedEvent(e *DealEscrow, amount string) Event {
	evt := newDealEvent(EventTypeRefunded, e)
	evt.Attributes["amount"] = amount
	return evt
}

func NewDisputedEvent(e *DealEscrow, by [20]byte) Event {
	evt := newDealEvent(EventTypeDisputed, e)
	evt.Attributes["by"] = hex.EncodeToString(by[:])
	return evt
}

func NewResolvedEvent(e *DealEscrow, favorBeneficiary bool) Event {
	evt := newDealEvent(EventTypeResolved, e)
	evt.Attributes["favorBeneficiary"] = strconv.FormatBool(favorBeneficiary)
	return evt
}

func NewDeadlineExtendedEvent(e *DealEscrow, previous uint32) Event {
	evt := newDealEvent(EventTypeDeadlineExtended, e)
	evt.Attributes["previousDeadline"] = strconv.FormatUint(uint64(previous), 10)
	return evt
}

// NewIgnoredEvent records an unrecognised op accepted as a no-op.
func NewIgnoredEvent(e *DealEscrow, op Op) Event {
	evt := newDealEvent(EventTypeIgnored, e)
	evt.Attributes["op"] = strconv.FormatUint(uint64(op), 10)
	return evt
}

func newDealEvent(eventType string, e *DealEscrow) Event {
	attrs := make(map[string]string)
	if e != nil {
		id := DealIDBytes(e.DealID)
		attrs["dealId"] = hex.EncodeToString(id[:])
		attrs["status"] = e.Status.String()
		attrs["deadline"] = strconv.FormatUint(uint64(e.Deadline), 10)
	}
	return Event{Type: eventType, Attributes: attrs}
}
