package tally

import (
	"bytes"
	"errors"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ErrMalformed reports a payload whose kind or body could not be decoded.
// The frame envelope itself was intact, so the connection remains usable
// and the error is answered with an ErrorReply rather than a disconnect.
var ErrMalformed = errors.New("malformed message")

// UnsupportedKindError reports a well-formed record whose kind is not part
// of the enumerated set. Distinct from ErrMalformed so schema-version skew
// is diagnosable on the client side.
type UnsupportedKindError struct {
	Kind uint32
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported message kind %d", e.Kind)
}

// DecodeRequest decodes a frame payload into a Request.
//
// The kind discriminant is read first; the remainder of the payload is
// decoded as the body for that kind. A truncated or undecodable body yields
// an error wrapping ErrMalformed; an unknown kind yields an
// *UnsupportedKindError.
func DecodeRequest(payload []byte) (Request, error) {
	r := bytes.NewReader(payload)

	var kind uint32
	if _, err := xdr.Unmarshal(r, &kind); err != nil {
		return nil, fmt.Errorf("%w: reading kind: %v", ErrMalformed, err)
	}

	switch RequestKind(kind) {
	case KindEcho:
		req := &EchoRequest{}
		if _, err := xdr.Unmarshal(r, req); err != nil {
			return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, KindEcho, err)
		}
		return req, nil

	case KindAdd:
		req := &AddRequest{}
		if _, err := xdr.Unmarshal(r, req); err != nil {
			return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, KindAdd, err)
		}
		return req, nil

	default:
		return nil, &UnsupportedKindError{Kind: kind}
	}
}

// EncodeRequest encodes a Request into a frame payload.
func EncodeRequest(req Request) ([]byte, error) {
	var buf bytes.Buffer

	kind := uint32(req.RequestKind())
	if _, err := xdr.Marshal(&buf, kind); err != nil {
		return nil, fmt.Errorf("marshal request kind: %w", err)
	}
	if _, err := xdr.Marshal(&buf, req); err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.RequestKind(), err)
	}

	return buf.Bytes(), nil
}

// EncodeResponse encodes a Response into a frame payload.
func EncodeResponse(resp Response) ([]byte, error) {
	var buf bytes.Buffer

	kind := uint32(resp.ResponseKind())
	if _, err := xdr.Marshal(&buf, kind); err != nil {
		return nil, fmt.Errorf("marshal response kind: %w", err)
	}
	if _, err := xdr.Marshal(&buf, resp); err != nil {
		return nil, fmt.Errorf("marshal response kind %d: %w", kind, err)
	}

	return buf.Bytes(), nil
}

// DecodeResponse decodes a frame payload into a Response. Used by the
// client side of the protocol.
func DecodeResponse(payload []byte) (Response, error) {
	r := bytes.NewReader(payload)

	var kind uint32
	if _, err := xdr.Unmarshal(r, &kind); err != nil {
		return nil, fmt.Errorf("%w: reading kind: %v", ErrMalformed, err)
	}

	var resp Response
	switch ResponseKind(kind) {
	case KindEchoReply:
		resp = &EchoReply{}
	case KindAddReply:
		resp = &AddReply{}
	case KindError:
		resp = &ErrorReply{}
	default:
		return nil, &UnsupportedKindError{Kind: kind}
	}

	if _, err := xdr.Unmarshal(r, resp); err != nil {
		return nil, fmt.Errorf("%w: response body: %v", ErrMalformed, err)
	}
	return resp, nil
}
