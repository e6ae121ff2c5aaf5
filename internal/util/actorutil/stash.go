package actorutil

import (
	"github.com/asynkron/protoactor-go/actor"
)

// Stash holds messages an actor is not ready to handle yet, oldest first.
type Stash struct {
	stash []stashElem
}

type stashElem struct {
	msg    any
	sender *actor.PID
}

func (stash *Stash) Stash(ctx actor.Context, msg any) {
	stash.Push(msg, ctx.Sender())
}

// Push stashes msg as if sender had sent it. sender may be nil.
func (stash *Stash) Push(msg any, sender *actor.PID) {
	stash.stash = append(stash.stash, stashElem{msg: msg, sender: sender})
}

func (stash *Stash) Len() int {
	return len(stash.stash)
}

// Pop removes the oldest message without delivering it. Handling it inline
// keeps it ahead of anything already waiting in the mailbox.
func (stash *Stash) Pop() (msg any, sender *actor.PID, ok bool) {
	if len(stash.stash) == 0 {
		return nil, nil, false
	}
	first := stash.stash[0]
	stash.stash[0] = stashElem{}
	stash.stash = stash.stash[1:]
	return first.msg, first.sender, true
}

// Discard empties the stash, passing every message to fn oldest first.
func (stash *Stash) Discard(fn func(msg any, sender *actor.PID)) {
	elems := stash.stash
	stash.stash = nil
	for _, elem := range elems {
		fn(elem.msg, elem.sender)
	}
}

// UnstashAll re-sends every message to self. They are handled after the
// messages already in the mailbox.
func (stash *Stash) UnstashAll(ctx actor.Context) {
	elems := stash.stash
	stash.stash = nil
	for _, elem := range elems {
		ctx.RequestWithCustomSender(ctx.Self(), elem.msg, elem.sender)
	}
}

func (stash *Stash) UnstashOldest(ctx actor.Context) {
	if msg, sender, ok := stash.Pop(); ok {
		ctx.RequestWithCustomSender(ctx.Self(), msg, sender)
	}
}
