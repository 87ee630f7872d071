// Package wire encodes and decodes DNS messages in the RFC 1035 wire format.
package wire

import (
	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// DNSCodec converts between domain messages and wire bytes.
type DNSCodec interface {
	// Decode parses a complete message. Every failure wraps domain.ErrMalformedMessage.
	Decode(data []byte) (domain.Message, error)
	// Encode renders msg in canonical form with owner-name compression.
	Encode(msg domain.Message) ([]byte, error)
	// EncodeTruncated renders msg and, if it exceeds maxSize, drops records and
	// sets the TC flag until it fits.
	EncodeTruncated(msg domain.Message, maxSize int) ([]byte, error)
}

const (
	headerSize = 12
	// MaxMessageSize is the largest message that fits a stream frame.
	MaxMessageSize = 65535
	// maxPointerHops bounds compression pointer chains; with strictly backward
	// pointers a 255-octet name can never need more than 127.
	maxPointerHops = 127
	maxLabelLength = 63
	maxNameOctets  = 255
)

// codec implements DNSCodec for both datagram and stream transports; framing
// is the transport's job.
type codec struct {
	logger log.Logger
}

// NewCodec returns a DNSCodec that reports truncation events to logger.
func NewCodec(logger log.Logger) DNSCodec {
	return &codec{logger: logger}
}

var _ DNSCodec = (*codec)(nil)
