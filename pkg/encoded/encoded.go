// pkg/encoded/encoded.go
//
// Package encoded implements the self-describing typed-value encoding used
// for every persisted protocol state and every protocol message payload.
// A value is an IPLD data-model node (bytes, integer, boolean, string, or
// list of values); the wire form is dag-cbor, which is self-describing, so a
// decoder always knows the kind of what it reads and can reject mismatches
// before any field is used.
package encoded

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

var (
	// ErrKind is returned by an accessor when the underlying node has a
	// different kind than requested.
	ErrKind = errors.New("encoded: kind mismatch")
	// ErrArity is returned when a list does not have the exact expected
	// number of elements.
	ErrArity = errors.New("encoded: list arity mismatch")
)

// Value wraps a single IPLD node. The zero Value is invalid; all accessors
// on it fail with ErrKind.
type Value struct {
	node datamodel.Node
}

// Bytes wraps a byte string.
func Bytes(b []byte) Value { return Value{basicnode.NewBytes(b)} }

// Int wraps a signed integer.
func Int(i int64) Value { return Value{basicnode.NewInt(i)} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{basicnode.NewBool(b)} }

// String wraps a string.
func String(s string) Value { return Value{basicnode.NewString(s)} }

// List wraps an ordered list of values.
func List(vs ...Value) Value {
	nb := basicnode.Prototype.List.NewBuilder()
	la, err := nb.BeginList(int64(len(vs)))
	if err != nil {
		panic(fmt.Sprintf("encoded: begin list: %v", err))
	}
	for _, v := range vs {
		if v.node == nil {
			panic("encoded: nil value in list")
		}
		if err := la.AssembleValue().AssignNode(v.node); err != nil {
			panic(fmt.Sprintf("encoded: assemble list element: %v", err))
		}
	}
	if err := la.Finish(); err != nil {
		panic(fmt.Sprintf("encoded: finish list: %v", err))
	}
	return Value{nb.Build()}
}

// Identity wraps the canonical serialization of an identity.
func Identity(id types.Identity) Value { return Bytes(id.Bytes()) }

// UID wraps the raw bytes of a UID.
func UID(u types.UID) Value { return Bytes(u.Bytes()) }

// Seed wraps the raw bytes of a seed.
func Seed(s types.Seed) Value { return Bytes(s.Bytes()) }

// UUIDValue wraps the 16 raw bytes of a UUID.
func UUIDValue(u uuid.UUID) Value { return Bytes(u[:]) }

// IsValid reports whether the value wraps an actual node.
func (v Value) IsValid() bool { return v.node != nil }

// Kind returns the underlying data-model kind, or Kind_Invalid for the zero
// value.
func (v Value) Kind() datamodel.Kind {
	if v.node == nil {
		return datamodel.Kind_Invalid
	}
	return v.node.Kind()
}

// AsBytes returns the wrapped byte string.
func (v Value) AsBytes() ([]byte, error) {
	if v.Kind() != datamodel.Kind_Bytes {
		return nil, fmt.Errorf("%w: want bytes, got %s", ErrKind, v.Kind())
	}
	return v.node.AsBytes()
}

// AsInt returns the wrapped integer.
func (v Value) AsInt() (int64, error) {
	if v.Kind() != datamodel.Kind_Int {
		return 0, fmt.Errorf("%w: want int, got %s", ErrKind, v.Kind())
	}
	return v.node.AsInt()
}

// AsBool returns the wrapped boolean.
func (v Value) AsBool() (bool, error) {
	if v.Kind() != datamodel.Kind_Bool {
		return false, fmt.Errorf("%w: want bool, got %s", ErrKind, v.Kind())
	}
	return v.node.AsBool()
}

// AsString returns the wrapped string.
func (v Value) AsString() (string, error) {
	if v.Kind() != datamodel.Kind_String {
		return "", fmt.Errorf("%w: want string, got %s", ErrKind, v.Kind())
	}
	return v.node.AsString()
}

// AsList returns the list elements in order.
func (v Value) AsList() ([]Value, error) {
	if v.Kind() != datamodel.Kind_List {
		return nil, fmt.Errorf("%w: want list, got %s", ErrKind, v.Kind())
	}
	n := v.node.Length()
	out := make([]Value, 0, n)
	for i := int64(0); i < n; i++ {
		el, err := v.node.LookupByIndex(i)
		if err != nil {
			return nil, fmt.Errorf("lookup list element %d: %w", i, err)
		}
		out = append(out, Value{el})
	}
	return out, nil
}

// AsListOfLen returns the list elements, failing with ErrArity unless the
// list has exactly n elements. Every state and message decoder goes through
// this: a wrong field count is rejected before any field is touched.
func (v Value) AsListOfLen(n int) ([]Value, error) {
	vs, err := v.AsList()
	if err != nil {
		return nil, err
	}
	if len(vs) != n {
		return nil, fmt.Errorf("%w: want %d elements, got %d", ErrArity, n, len(vs))
	}
	return vs, nil
}

// AsIdentity parses the wrapped bytes as a canonical identity serialization.
func (v Value) AsIdentity() (types.Identity, error) {
	b, err := v.AsBytes()
	if err != nil {
		return types.Identity{}, err
	}
	id, err := types.ParseIdentity(b)
	if err != nil {
		return types.Identity{}, fmt.Errorf("parse identity: %w", err)
	}
	return id, nil
}

// AsUID parses the wrapped bytes as a UID.
func (v Value) AsUID() (types.UID, error) {
	b, err := v.AsBytes()
	if err != nil {
		return types.UID{}, err
	}
	return types.UIDFromBytes(b)
}

// AsSeed parses the wrapped bytes as a seed.
func (v Value) AsSeed() (types.Seed, error) {
	b, err := v.AsBytes()
	if err != nil {
		return types.Seed{}, err
	}
	return types.SeedFromBytes(b)
}

// AsUUID parses the wrapped bytes as a 16-byte UUID.
func (v Value) AsUUID() (uuid.UUID, error) {
	b, err := v.AsBytes()
	if err != nil {
		return uuid.UUID{}, err
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse uuid: %w", err)
	}
	return u, nil
}

// Encode serializes the value as dag-cbor.
func (v Value) Encode() ([]byte, error) {
	if v.node == nil {
		return nil, fmt.Errorf("encode: invalid value")
	}
	var buf bytes.Buffer
	if err := dagcbor.Encode(v.node, &buf); err != nil {
		return nil, fmt.Errorf("dag-cbor encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a dag-cbor serialization. Trailing garbage after the value
// is rejected.
func Decode(b []byte) (Value, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	r := bytes.NewReader(b)
	if err := dagcbor.Decode(nb, r); err != nil {
		return Value{}, fmt.Errorf("dag-cbor decode: %w", err)
	}
	if r.Len() != 0 {
		return Value{}, fmt.Errorf("dag-cbor decode: %d trailing bytes", r.Len())
	}
	return Value{nb.Build()}, nil
}

// Equal reports byte-level equality of the two values' encodings.
func (v Value) Equal(other Value) bool {
	a, errA := v.Encode()
	b, errB := other.Encode()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
