package tally

import (
	"context"
	"errors"
	"math"
)

// HandlerFunc computes the response for one decoded request. Handlers are
// pure with respect to connection state: no handler touches the socket or
// retains state observable by a later request.
type HandlerFunc func(ctx context.Context, req Request) Response

type procInfo struct {
	Name   string
	Handle HandlerFunc
}

// dispatchTable is the total mapping from request kind to handler. Every
// enumerated kind has an entry; TestDispatchTotality enforces this.
var dispatchTable = map[RequestKind]procInfo{
	KindEcho: {Name: "ECHO", Handle: handleEcho},
	KindAdd:  {Name: "ADD", Handle: handleAdd},
}

// Dispatch decodes a frame payload and produces exactly one response for
// it, including error responses for malformed or unsupported records. The
// returned string names the operation for logging and metrics.
//
// Dispatch is total: every payload yields a Response, so a request that
// made it off the wire is never dropped. Cancellation is the session's
// concern and is observed only between requests, never mid-cycle; ctx is
// passed through for handlers that perform cancellable work.
func Dispatch(ctx context.Context, payload []byte) (Response, string) {
	req, err := DecodeRequest(payload)
	if err != nil {
		var unsupported *UnsupportedKindError
		if errors.As(err, &unsupported) {
			return &ErrorReply{
				Code:    CodeUnsupportedKind,
				Message: unsupported.Error(),
			}, "UNSUPPORTED"
		}
		return &ErrorReply{
			Code:    CodeMalformed,
			Message: "undecodable request payload",
		}, "MALFORMED"
	}

	info, ok := dispatchTable[req.RequestKind()]
	if !ok {
		// Unreachable while DecodeRequest and dispatchTable cover the same
		// kinds; answered rather than panicking to keep the session alive.
		return &ErrorReply{
			Code:    CodeUnsupportedKind,
			Message: (&UnsupportedKindError{Kind: uint32(req.RequestKind())}).Error(),
		}, "UNSUPPORTED"
	}

	return info.Handle(ctx, req), info.Name
}

func handleEcho(_ context.Context, req Request) Response {
	echo := req.(*EchoRequest)
	return &EchoReply{Message: echo.Message}
}

func handleAdd(_ context.Context, req Request) Response {
	add := req.(*AddRequest)

	if (add.B > 0 && add.A > math.MaxInt64-add.B) ||
		(add.B < 0 && add.A < math.MinInt64-add.B) {
		return &ErrorReply{
			Code:    CodeOverflow,
			Message: "sum overflows int64",
		}
	}

	return &AddReply{Sum: add.A + add.B}
}

// Kinds returns the enumerated request kinds. Used by tests to check
// dispatch totality.
func Kinds() []RequestKind {
	return []RequestKind{KindEcho, KindAdd}
}
