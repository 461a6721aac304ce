// ABOUTME: Hand-written gRPC service description for the console stream
// ABOUTME: One bidirectional Connect method exchanging Packet messages

package transport

import (
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
)

const (
	serviceName   = "pinion.admin.v1.Console"
	connectMethod = "/" + serviceName + "/Connect"
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotConnected is returned when a client sends before its stream is open.
	ErrNotConnected = errors.New("not connected")
)

// Packet is the unit exchanged on the stream: a topic and a JSON payload.
type Packet struct {
	Topic   string          `json:"topic" cbor:"1,keyasint"`
	Payload json.RawMessage `json:"payload,omitempty" cbor:"2,keyasint,omitempty"`
}

// consoleServer is implemented by Server; gRPC checks it on registration.
type consoleServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*consoleServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(consoleServer).Connect(stream)
}
