// Package ipcmessage is the schema-abstraction layer the transport codec
// uses to stay message-type agnostic (spec §4.9: "Intrusive fd iteration
// via protobuf reflection... a schema-abstraction layer that exposes an
// iterator over a message's fields with (is_fd, is_present, get_i32,
// set_i32)").
//
// A concrete message embeds Named and tags int32 fields that carry a file
// descriptor with `rialtoipc:"fd"`. Body encoding itself is delegated to
// jsoniter rather than hand-rolled reflection-based marshaling: typed,
// per-message structs carry the application schema, and only the narrow
// is_fd metadata needs a reflective walk.
package ipcmessage

import (
	"fmt"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the minimal contract the transport codec needs from a service
// request/response/event body: a type name, which ServerCore.SendEvent uses
// as the Event envelope's name (`event_name = message.type_name`, spec §4.E).
type Message interface {
	TypeName() string
}

// Named gives a concrete message type a fixed TypeName by embedding a
// struct literal, e.g. `Named{"svc.PingRequest"}`, so individual message
// structs don't need to hand-write a TypeName method.
type Named struct {
	Name string `json:"-"`
}

// TypeName implements Message for Named.
func (n Named) TypeName() string { return n.Name }

// Marshal serializes msg's body with jsoniter.
func Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Unmarshal parses body into msg, which must be a pointer.
func Unmarshal(body []byte, msg Message) error {
	return json.Unmarshal(body, msg)
}

// FdFieldRef is a handle onto one is_fd-tagged int32 field of a concrete
// message value, permitting the transport codec to read or overwrite it
// without knowing the message's concrete type (spec §4.C steps 2 and 4).
type FdFieldRef struct {
	Name    string
	Present bool // non-default (non-zero) at the time FdFields was called
	get     func() int32
	set     func(int32)
}

// Get reads the field's current value.
func (r FdFieldRef) Get() int32 { return r.get() }

// Set overwrites the field's value.
func (r FdFieldRef) Set(v int32) { r.set(v) }

const fdTag = "fd"

// FdFields walks msg's exported int32 fields tagged `rialtoipc:"fd"`, in
// struct declaration order, and returns a reference for each. msg must be
// a non-nil pointer to a struct.
func FdFields(msg Message) ([]FdFieldRef, error) {
	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, fmt.Errorf("ipcmessage: FdFields requires a non-nil pointer, got %T", msg)
	}
	elem := v.Elem()
	if elem.Kind() != reflect.Struct {
		return nil, fmt.Errorf("ipcmessage: FdFields requires a pointer to struct, got %T", msg)
	}

	t := elem.Type()
	var refs []FdFieldRef
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Tag.Get("rialtoipc") != fdTag {
			continue
		}
		if field.Type.Kind() != reflect.Int32 {
			return nil, fmt.Errorf("ipcmessage: field %s tagged fd must be int32, got %s", field.Name, field.Type)
		}

		fv := elem.Field(i)
		if !fv.CanSet() {
			return nil, fmt.Errorf("ipcmessage: field %s tagged fd must be exported", field.Name)
		}

		refs = append(refs, FdFieldRef{
			Name:    field.Name,
			Present: fv.Int() != 0,
			get:     func() int32 { return int32(fv.Int()) },
			set:     func(val int32) { fv.SetInt(int64(val)) },
		})
	}

	return refs, nil
}
