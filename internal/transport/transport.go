// Package transport defines the TransportDriver boundary the rest of the
// system treats as opaque: something that accepts tagged Modbus read/write
// requests and returns per-tag response codes and typed values. Modbus wire
// framing itself is not implemented here; it is delegated to the concrete
// driver (see goburrow.go).
package transport

import (
	"context"
	"fmt"
)

// ResponseCode is the per-tag status a Connection reports for one request
// element. Only ResponseOK is considered successful; anything else raises
// a ProtocolError in the caller.
type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	ResponseIllegalAddress
	ResponseIllegalValue
	ResponseDeviceFailure
	ResponseMalformed
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "ok"
	case ResponseIllegalAddress:
		return "illegal-address"
	case ResponseIllegalValue:
		return "illegal-value"
	case ResponseDeviceFailure:
		return "device-failure"
	case ResponseMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Response carries the outcome of every tag requested in one Execute call.
type Response interface {
	// Code returns the per-tag status. A tag absent from the response is
	// reported as ResponseMalformed.
	Code(tag string) ResponseCode
	Bool(tag string) bool
	Short(tag string) uint16
	AllBools(tag string) []bool
	AllShorts(tag string) []uint16
}

// ReadRequestBuilder accumulates tagged reads before executing them as a
// single wire transaction.
type ReadRequestBuilder interface {
	AddRead(tag string) ReadRequestBuilder
	Execute(ctx context.Context) (Response, error)
}

// WriteRequestBuilder accumulates tagged writes before executing them as a
// single wire transaction.
type WriteRequestBuilder interface {
	AddWriteBool(tag string, value bool) WriteRequestBuilder
	AddWriteShort(tag string, value uint16) WriteRequestBuilder
	AddWriteBools(tag string, values []bool) WriteRequestBuilder
	AddWriteShorts(tag string, values []uint16) WriteRequestBuilder
	Execute(ctx context.Context) (Response, error)
}

// Connection is a live session against one Modbus endpoint.
type Connection interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Close() error
	NewReadRequest() ReadRequestBuilder
	NewWriteRequest() WriteRequestBuilder
}

// Driver opens connections for a connection string. Canonical forms are
// "modbus:tcp://<host>:<port>?unit-identifier=<n>" and
// "modbus:rtu-tcp://...". The string is passed through verbatim to the
// driver; this package does not interpret it beyond what's needed to dial.
type Driver interface {
	Open(connectionString string) (Connection, error)
}

// ErrUnknownTag reports a tag that was never part of the request a Response
// came from. The Response accessors do not return it: Code reports such a
// tag as ResponseMalformed and the value accessors return zero values.
type ErrUnknownTag struct {
	Tag string
}

func (e *ErrUnknownTag) Error() string {
	return fmt.Sprintf("transport: unknown tag %q in response", e.Tag)
}

// NewResponse builds a Response from canned per-tag results. It exists so
// test doubles (and other Driver implementations) can construct Responses
// without depending on the goburrow-backed codec.
func NewResponse(codes map[string]ResponseCode, bools map[string][]bool, shorts map[string][]uint16) Response {
	r := newTagResponse()
	for tag, code := range codes {
		r.codes[tag] = code
	}
	for tag, vs := range bools {
		r.bools[tag] = vs
	}
	for tag, vs := range shorts {
		r.shorts[tag] = vs
	}
	return r
}
