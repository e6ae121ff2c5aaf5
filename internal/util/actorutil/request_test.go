package actorutil

import (
	"testing"

	"github.com/berfenger/furi/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
)

func TestForRequestPrefersExplicitReplyTo(t *testing.T) {
	target := actor.NewPID("local", "target")
	req := domain.PublishFrameRequest{
		ActorRequestMixIn: domain.ActorRequestMixIn{ReplyToRef: domain.RefOf(target)},
		Frame:             []byte(":\n\n"),
	}
	assert.Equal(t, target, ForRequest(req).ReplyTo(nil))
}
