// Package transport carries topic-tagged packets over a single bidirectional
// gRPC stream per peer. The service is described by hand (there is no
// generated stub) and packets are framed with a JSON or CBOR codec chosen by
// the client through the gRPC content-subtype.
//
// The server side hands each accepted stream to a Session; the client side
// redials after an unplanned drop and tells its handler whether the loss was
// a drop (a reconnect follows) or a terminal close.
package transport
