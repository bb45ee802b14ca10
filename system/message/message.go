// Package message defines the kernel's message envelope: Request/Response
// bodies, the optional large blob payload, and the capability-attachment
// shape the router verifies on inbound messages. Modeled on the teacher's
// system/framework/bus.go ComputeResult (success/failure helpers, result
// unmarshal-as), generalized from a single compute-invocation result to a
// full two-way envelope.
package message

import (
	"encoding/json"
	"time"

	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
)

// Blob is the optional large opaque payload an envelope may carry
// alongside its structured body.
type Blob struct {
	MIME  string
	Bytes []byte
}

// Request is the body of a request-shaped message.
type Request struct {
	// ExpectsResponseSecs is the response timeout in seconds; nil means
	// fire-and-forget (invariant I-REQ-ID only binds when this is set).
	ExpectsResponseSecs *uint64
	Body                json.RawMessage
	Metadata            json.RawMessage
	// CapabilitiesAttached travel signed, so a request claiming to carry a
	// capability issued by the local node can actually be checked on
	// arrival instead of taken on faith.
	CapabilitiesAttached []capability.Signed
}

// ExpectsResponse reports whether the sender wants a response and, if so,
// the deadline it should arrive by.
func (r Request) ExpectsResponse() (time.Duration, bool) {
	if r.ExpectsResponseSecs == nil {
		return 0, false
	}
	return time.Duration(*r.ExpectsResponseSecs) * time.Second, true
}

// Response is the body of a response-shaped message.
type Response struct {
	Body                 json.RawMessage
	Metadata             json.RawMessage
	CapabilitiesAttached []capability.Signed
	// Context carries the same opaque bytes the original request's
	// metadata held, for responders that don't otherwise correlate state.
	Context json.RawMessage
}

// Kind distinguishes which of Request/Response a Message carries.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

// Message is the tagged union an Envelope carries: either a Request or a
// Response, never both (design note: "Dynamic JSON dispatch over untagged
// request enums" is replaced here by this tagged union, validated at
// construction, never via reflection).
type Message struct {
	Kind     Kind
	Request  *Request
	Response *Response
}

// Envelope is the wire-level unit the kernel router moves between
// processes and runtime services.
type Envelope struct {
	ID     uint64
	Source address.Address
	Target address.Address
	// Rsvp is an alternative reply-to address; when set, a Response to
	// this envelope is delivered to Rsvp instead of Source.
	Rsvp    *address.Address
	Message Message
	Blob    *Blob
}

// ReplyTo returns the address a Response to this envelope must be routed
// to: Rsvp if present, else Source.
func (e Envelope) ReplyTo() address.Address {
	if e.Rsvp != nil {
		return *e.Rsvp
	}
	return e.Source
}

// NewRequestEnvelope builds a request envelope with the given id/body.
func NewRequestEnvelope(id uint64, source, target address.Address, body any, timeoutSecs *uint64) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:     id,
		Source: source,
		Target: target,
		Message: Message{
			Kind: KindRequest,
			Request: &Request{
				ExpectsResponseSecs: timeoutSecs,
				Body:                raw,
			},
		},
	}, nil
}

// NewResponseEnvelope builds a response envelope replying to req.
func NewResponseEnvelope(req Envelope, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:     req.ID,
		Source: req.Target,
		Target: req.ReplyTo(),
		Message: Message{
			Kind:     KindResponse,
			Response: &Response{Body: raw},
		},
	}, nil
}
