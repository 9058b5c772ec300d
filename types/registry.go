// Package types maps Go values to event type names so that events can be
// appended and decoded as native values rather than raw bytes.
package types

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/bruth/eventide/codec"
)

var (
	ErrTypeNotValid      = errors.New("eventide: type not valid")
	ErrTypeNotRegistered = errors.New("eventide: type not registered")
	ErrNoTypeForStruct   = errors.New("eventide: no type for struct")

	nameRegex = regexp.MustCompile(`^[\w-]+(\.[\w-]+)*$`)
)

func validateTypeName(n string) error {
	if !nameRegex.MatchString(n) {
		return fmt.Errorf("%w: name %q has invalid characters", ErrTypeNotValid, n)
	}
	return nil
}

// Type describes a registered event type.
type Type struct {
	// Init returns a pointer to a new zero value of the type.
	Init func() any
}

type registryOption func(o *Registry) error

func (f registryOption) addOption(o *Registry) error {
	return f(o)
}

// RegistryOption models a option when creating a type registry.
type RegistryOption interface {
	addOption(o *Registry) error
}

// Codec is a registry option to define the desired serialization codec.
func Codec(name string) RegistryOption {
	return registryOption(func(o *Registry) error {
		c, err := codec.Registry.Get(name)
		if err != nil {
			return err
		}
		o.codec = c
		return nil
	})
}

// Registry is used for transparently marshaling and unmarshaling event payloads
// from their native types to their wire representation.
type Registry struct {
	codec codec.Codec

	// Index of types by event type name.
	types map[string]*Type

	// Reflection type to the event type name.
	rtypes map[reflect.Type]string
}

// Codec returns the codec used for all registered types.
func (r *Registry) Codec() codec.Codec {
	return r.codec
}

func (r *Registry) validate(name string, typ *Type) error {
	if name == "" {
		return fmt.Errorf("%w: missing name", ErrTypeNotValid)
	}

	if err := validateTypeName(name); err != nil {
		return err
	}

	if typ.Init == nil {
		return fmt.Errorf("%w: %s: init func is nil", ErrTypeNotValid, name)
	}

	v := typ.Init()
	if v == nil {
		return fmt.Errorf("%w: %s: init func returns nil", ErrTypeNotValid, name)
	}

	rt := reflect.TypeOf(v)

	// Decoding needs a pointer to a struct.
	if rt.Kind() != reflect.Ptr {
		return fmt.Errorf("%w: %s: init func must return a pointer value", ErrTypeNotValid, name)
	}
	if rt.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: %s: value type must be a struct", ErrTypeNotValid, name)
	}

	b, err := r.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: failed to marshal with codec: %s", ErrTypeNotValid, name, err)
	}

	err = r.codec.Unmarshal(b, v)
	if err != nil {
		return fmt.Errorf("%w: %s: failed to unmarshal with codec: %s", ErrTypeNotValid, name, err)
	}

	return nil
}

func (r *Registry) addType(name string, typ *Type) {
	r.types[name] = typ

	rt := reflect.TypeOf(typ.Init())
	r.rtypes[rt] = name
	r.rtypes[rt.Elem()] = name
}

// Init initializes a value given the registered name of the type.
func (r *Registry) Init(t string) (any, error) {
	x, ok := r.types[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, t)
	}
	return x.Init(), nil
}

// Lookup returns the registered event type name given a value.
func (r *Registry) Lookup(v any) (string, error) {
	rt := reflect.TypeOf(v)
	t, ok := r.rtypes[rt]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTypeForStruct, rt)
	}
	return t, nil
}

// Encode resolves the event type name of v and serializes it. The returned
// content type identifies the codec for readers of the event.
func (r *Registry) Encode(v any) (eventType string, contentType string, data []byte, err error) {
	eventType, err = r.Lookup(v)
	if err != nil {
		return "", "", nil, err
	}

	data, err = r.codec.Marshal(v)
	if err != nil {
		return "", "", nil, fmt.Errorf("%s: marshal error: %w", eventType, err)
	}
	return eventType, r.codec.ContentType(), data, nil
}

// Decode initializes a new value for the registered event type and unmarshals
// the payload into it.
func (r *Registry) Decode(eventType string, data []byte) (any, error) {
	v, err := r.Init(eventType)
	if err != nil {
		return nil, err
	}

	if err := r.codec.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%s: unmarshal error: %w", eventType, err)
	}
	return v, nil
}

// NewRegistry validates and indexes the types keyed by event type name.
func NewRegistry(types map[string]*Type, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		codec:  codec.Default,
		types:  make(map[string]*Type),
		rtypes: make(map[reflect.Type]string),
	}

	for _, f := range opts {
		if err := f.addOption(r); err != nil {
			return nil, err
		}
	}

	for n, t := range types {
		err := r.validate(n, t)
		if err != nil {
			return nil, err
		}
		r.addType(n, t)
	}

	return r, nil
}
