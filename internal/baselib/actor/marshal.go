package actor

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Marshaller converts values traveling inside an actor-message or
// actor-response envelope body to and from a form that survives a JSON
// round trip over a bus. Most payloads need no help (maps, slices,
// strings, numbers all marshal fine through encoding/json on their own);
// a Marshaller is registered only for types that need custom handling,
// chiefly actor references themselves, which must become
// InterProcessReference/InterHostReference on the wire and resolve back
// to a usable Ref on the other side.
type Marshaller interface {
	// Name identifies this marshaller in a create-actor envelope's
	// Marshallers list, so a forked/remote worker knows which ones to
	// load before it can decode its first message.
	Name() string

	// CanMarshal reports whether this marshaller handles v.
	CanMarshal(v any) bool

	// Marshal converts v to a JSON-safe representation.
	Marshal(v any) (any, error)

	// Unmarshal reconstructs a value from raw's decoded JSON shape
	// (typically a map[string]any, since that's what encoding/json
	// produces for an any-typed field).
	Unmarshal(raw any) (any, error)
}

// MarshallerRegistry holds the marshallers a System (and, across a bus,
// the worker process it forks or dials) knows about.
type MarshallerRegistry struct {
	mu     sync.RWMutex
	byName map[string]Marshaller
}

// NewMarshallerRegistry creates a registry pre-populated with the
// built-in reference marshaller. bindSystem must be called once the
// owning System exists, before the registry resolves its first
// InterProcessReference.
func NewMarshallerRegistry() *MarshallerRegistry {
	r := &MarshallerRegistry{byName: make(map[string]Marshaller)}
	ref := &referenceMarshaller{}
	r.byName[ref.Name()] = ref
	return r
}

// bindSystem gives the built-in reference marshaller a System to resolve
// proxy references against. A no-op if the registry has no built-in
// reference marshaller (never true for one built via
// NewMarshallerRegistry, but callers may supply a hand-built registry).
func (r *MarshallerRegistry) bindSystem(sys *System) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.byName[(&referenceMarshaller{}).Name()].(*referenceMarshaller); ok {
		ref.sys = sys
	}
}

// Register adds or replaces a marshaller under its own Name().
func (r *MarshallerRegistry) Register(m Marshaller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[m.Name()] = m
}

// Names returns every registered marshaller's name, the form that travels
// inside a create-actor envelope's Marshallers list.
func (r *MarshallerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// marshalOut tries the registered marshallers over v and returns the
// result of the first one whose CanMarshal claims it. The registry is a
// map, so the order of trying is not defined: when more than one
// marshaller claims v, which one wins is not defined either. A value no
// marshaller claims is returned unchanged (plain JSON-marshalable data).
func (r *MarshallerRegistry) marshalOut(v any) (any, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, m := range r.byName {
		if m.CanMarshal(v) {
			out, err := m.Marshal(v)
			return out, name, err
		}
	}
	return v, "", nil
}

// unmarshalIn reverses marshalOut given the marshaller name stashed
// alongside the value on the wire (ActorMessageBody.MarshalledType /
// CreateActorBody.CustomParametersMarshalledType).
func (r *MarshallerRegistry) unmarshalIn(raw any, name string) (any, error) {
	if name == "" {
		return raw, nil
	}
	r.mu.RLock()
	m, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, newMarshalErr(fmt.Sprintf("no marshaller registered as %q", name), nil)
	}
	return m.Unmarshal(raw)
}

// InterProcessReference is the wire form of a Ref to an actor living in a
// different OS process on the same host, reached via a pipe bus. The
// receiving process resolves it back into a Ref that proxies sends over
// that same pipe bus, addressed by ActorID.
type InterProcessReference struct {
	ActorID   string `json:"actorId"`
	Name      string `json:"name,omitempty"`
	ActorMode Mode   `json:"mode"`
}

// InterHostReference is the wire form of a Ref to an actor living on a
// different host, reached by dialing Host directly rather than relaying
// through the sender.
type InterHostReference struct {
	ActorID   string `json:"actorId"`
	Name      string `json:"name,omitempty"`
	Host      string `json:"host"`
	ActorMode Mode   `json:"mode"`
}

// referenceMarshaller is the built-in Marshaller for Ref values,
// registered in every MarshallerRegistry by default since the ability to
// pass a reference as a message argument is a core part of the wire
// protocol, not an optional extra. sys resolves an incoming reference
// back into something that can actually be sent to: if the ID names an
// actor local to this process, its real Ref is returned directly;
// otherwise the reference is proxied back over whichever bus it arrived
// on (a worker's single upstream link to its parent).
type referenceMarshaller struct {
	sys *System
}

func (*referenceMarshaller) Name() string { return "actor-reference" }

func (*referenceMarshaller) CanMarshal(v any) bool {
	_, ok := v.(Ref)
	return ok
}

func (*referenceMarshaller) Marshal(v any) (any, error) {
	ref, ok := v.(Ref)
	if !ok {
		return nil, newMarshalErr("not a Ref", nil)
	}
	if hostRef, ok := ref.(interface{ remoteHost() string }); ok {
		if host := hostRef.remoteHost(); host != "" {
			return InterHostReference{
				ActorID: ref.ID(), Name: ref.Name(),
				Host: host, ActorMode: ref.Mode(),
			}, nil
		}
	}
	return InterProcessReference{ActorID: ref.ID(), Name: ref.Name(), ActorMode: ref.Mode()}, nil
}

func (m *referenceMarshaller) Unmarshal(raw any) (any, error) {
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, newMarshalErr("re-encode reference payload", err)
	}

	var hostRef InterHostReference
	if err := json.Unmarshal(blob, &hostRef); err == nil && hostRef.Host != "" {
		return newHostProxyRef(hostRef), nil
	}

	var procRef InterProcessReference
	if err := json.Unmarshal(blob, &procRef); err != nil {
		return nil, newMarshalErr("decode reference payload", err)
	}

	if m.sys != nil {
		if local, ok := m.sys.actor(procRef.ActorID); ok {
			return local.Ref(), nil
		}
		if m.sys.upstreamBus != nil {
			return newBusProxyRef(m.sys, m.sys.upstreamBus, procRef), nil
		}
	}
	return newBusProxyRef(nil, nil, procRef), nil
}
