// Package tally defines the sumwire message schema and the request
// dispatcher. A frame payload is an XDR record: a uint32 kind discriminant
// followed by the kind-specific body. The request and response kinds form
// closed sets; every request yields exactly one response.
package tally

import "fmt"

// RequestKind discriminates the request records a client may send.
type RequestKind uint32

const (
	// KindEcho carries an opaque string echoed back verbatim.
	KindEcho RequestKind = 1

	// KindAdd carries two signed 64-bit operands to be summed.
	KindAdd RequestKind = 2
)

func (k RequestKind) String() string {
	switch k {
	case KindEcho:
		return "ECHO"
	case KindAdd:
		return "ADD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(k))
	}
}

// ResponseKind discriminates the response records the server writes.
type ResponseKind uint32

const (
	KindEchoReply ResponseKind = 1
	KindAddReply  ResponseKind = 2

	// KindError is the explicit error-response kind used when a request
	// cannot be fulfilled.
	KindError ResponseKind = 3
)

// Wire error codes carried by ErrorReply.
const (
	CodeMalformed       uint32 = 1
	CodeUnsupportedKind uint32 = 2
	CodeOverflow        uint32 = 3
	CodeFrameTooLarge   uint32 = 4
)

// Request is a decoded, immutable client request. The set of
// implementations is closed: *EchoRequest and *AddRequest.
type Request interface {
	RequestKind() RequestKind
}

// EchoRequest asks the server to return Message unchanged.
type EchoRequest struct {
	Message string
}

func (*EchoRequest) RequestKind() RequestKind { return KindEcho }

// AddRequest asks the server for the sum of A and B.
type AddRequest struct {
	A int64
	B int64
}

func (*AddRequest) RequestKind() RequestKind { return KindAdd }

// Response is an immutable server response. The set of implementations is
// closed: *EchoReply, *AddReply and *ErrorReply.
type Response interface {
	ResponseKind() ResponseKind
}

// EchoReply returns the echoed message.
type EchoReply struct {
	Message string
}

func (*EchoReply) ResponseKind() ResponseKind { return KindEchoReply }

// AddReply returns the computed sum.
type AddReply struct {
	Sum int64
}

func (*AddReply) ResponseKind() ResponseKind { return KindAddReply }

// ErrorReply reports a request that could not be fulfilled. Code is one of
// the Code* wire constants; Message is human-readable detail.
type ErrorReply struct {
	Code    uint32
	Message string
}

func (*ErrorReply) ResponseKind() ResponseKind { return KindError }
