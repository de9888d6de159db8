package transport

import (
	"go.uber.org/zap"

	"github.com/luma/hermes/protocol"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free port
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Trace will log every frame. This is only useful in local debugging
	Trace bool

	// Codec and Encoding select the wire format spoken by every connection
	Codec    protocol.CodecKind
	Encoding string

	// MaxContentLength bounds the payload a client may announce
	MaxContentLength int

	Handler Handler

	Log *zap.Logger
}
