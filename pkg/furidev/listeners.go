package furidev

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"github.com/berfenger/furi/pkg/furitype"
)

// ControlHandler runs when an operator presses a control. The press is
// acknowledged to the server once every handler returned.
type ControlHandler func(ctx context.Context, control furitype.ControlInfo) error

type listener struct {
	handler   ControlHandler
	unchecked bool
}

type listenerRegistry struct {
	mu        sync.Mutex
	listeners map[string][]listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{listeners: map[string][]listener{}}
}

func (r *listenerRegistry) add(name string, handler ControlHandler, unchecked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[name] = append(r.listeners[name], listener{handler: handler, unchecked: unchecked})
}

// remove drops every registration of handler under name. Handlers are matched
// by function identity.
func (r *listenerRegistry) remove(name string, handler ControlHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := reflect.ValueOf(handler).Pointer()
	list := slices.DeleteFunc(r.listeners[name], func(l listener) bool {
		return reflect.ValueOf(l.handler).Pointer() == target
	})
	if len(list) == 0 {
		delete(r.listeners, name)
	} else {
		r.listeners[name] = list
	}
}

func (r *listenerRegistry) handlers(name string) []ControlHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ControlHandler, 0, len(r.listeners[name]))
	for _, l := range r.listeners[name] {
		out = append(out, l.handler)
	}
	return out
}

// unknown returns the checked listener names that match no control of desc.
func (r *listenerRegistry) unknown(desc furitype.DeviceDescriptor) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, list := range r.listeners {
		if _, ok := desc.ControlByName(name); ok {
			continue
		}
		if slices.ContainsFunc(list, func(l listener) bool { return !l.unchecked }) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
