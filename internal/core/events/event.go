// Package events builds the server-sent-event frames written to topic
// subscribers.
package events

import (
	"github.com/berfenger/furi/pkg/furitype"
)

var (
	// OpenFrame is written once to every new subscriber.
	OpenFrame = []byte("data: open\n\n")
	// KeepAliveFrame is an SSE comment, ignored by clients.
	KeepAliveFrame = []byte(":\n\n")
)

func DataFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame
}

// EnvelopeFrame serializes env once into a complete data frame.
func EnvelopeFrame(env furitype.Envelope) ([]byte, error) {
	payload, err := furitype.Encode(env)
	if err != nil {
		return nil, err
	}
	return DataFrame(payload), nil
}
