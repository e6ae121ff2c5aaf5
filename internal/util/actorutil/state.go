package actorutil

import (
	"github.com/asynkron/protoactor-go/actor"
)

// ActorWithStates drives a Behavior from named states and remembers which
// one is active.
type ActorWithStates struct {
	Behavior actor.Behavior
	current  ActorState
}

type ActorState interface {
	Name() string
	Receive(actor.Context)
}

// Become switches to state and returns the name of the state it replaced,
// empty on the first call.
func (s *ActorWithStates) Become(state ActorState) string {
	previous := s.StateName()
	s.current = state
	s.Behavior.Become(state.Receive)
	return previous
}

func (s *ActorWithStates) Current() ActorState {
	return s.current
}

func (s *ActorWithStates) StateName() string {
	if s.current == nil {
		return ""
	}
	return s.current.Name()
}
