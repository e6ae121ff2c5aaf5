package port

import "context"

// Stream is one subscriber's push connection. Implementations must be safe for
// concurrent use: WriteFrame is called from the topic channel while Close may
// be called from the HTTP handler.
type Stream interface {
	ID() string
	WriteFrame(frame []byte) error
	Closed() bool
	Close() error
}

// SessionHub attaches push streams to device topics.
type SessionHub interface {
	OpenSession(ctx context.Context, deviceID int64, stream Stream) error
	OpenViewer(ctx context.Context, deviceID int64, stream Stream) error
	CloseStream(deviceID int64, stream Stream)
}
