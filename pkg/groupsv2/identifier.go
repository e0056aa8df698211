// pkg/groupsv2/identifier.go
//
// Package groupsv2 implements the Groups-V2 consensus protocol: a group's
// whole membership and metadata live in one encrypted, signed, versioned
// blob on an untrusted server, updated under optimistic locking and
// propagated to every member's devices.
package groupsv2

import (
	"bytes"
	"fmt"

	"github.com/multiformats/go-multihash"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// Category distinguishes how a group is anchored.
type Category int

const (
	// CategoryServer is a plain server-hosted group.
	CategoryServer Category = iota
	// CategoryManaged is a group whose membership is dictated by an
	// identity provider rather than by member administrators.
	CategoryManaged
)

// Identifier names a group: category, group UID, and the server the blob
// lives on. It is the same on every device of every member.
type Identifier struct {
	Category     Category
	GroupUID     types.UID
	ServerDomain string
}

// instanceUIDDomainSep keeps the instance-UID derivation disjoint from any
// other hash use of the identifier serialization.
const instanceUIDDomainSep = "groups-v2-protocol-instance"

// Bytes is the canonical serialization of the identifier.
func (id Identifier) Bytes() []byte {
	v := encoded.List(
		encoded.Int(int64(id.Category)),
		encoded.UID(id.GroupUID),
		encoded.String(id.ServerDomain),
	)
	b, err := v.Encode()
	if err != nil {
		panic(fmt.Sprintf("groupsv2: encode identifier: %v", err))
	}
	return b
}

// ParseIdentifier decodes the serialization produced by Bytes.
func ParseIdentifier(b []byte) (Identifier, error) {
	v, err := encoded.Decode(b)
	if err != nil {
		return Identifier{}, err
	}
	return identifierFromValue(v)
}

func identifierFromValue(v encoded.Value) (Identifier, error) {
	vs, err := v.AsListOfLen(3)
	if err != nil {
		return Identifier{}, err
	}
	var id Identifier
	cat, err := vs[0].AsInt()
	if err != nil {
		return Identifier{}, fmt.Errorf("category: %w", err)
	}
	id.Category = Category(cat)
	if id.GroupUID, err = vs[1].AsUID(); err != nil {
		return Identifier{}, fmt.Errorf("group uid: %w", err)
	}
	if id.ServerDomain, err = vs[2].AsString(); err != nil {
		return Identifier{}, fmt.Errorf("server domain: %w", err)
	}
	return id, nil
}

func (id Identifier) value() encoded.Value {
	return encoded.List(
		encoded.Int(int64(id.Category)),
		encoded.UID(id.GroupUID),
		encoded.String(id.ServerDomain),
	)
}

func (id Identifier) Equal(other Identifier) bool {
	return id.Category == other.Category &&
		id.GroupUID == other.GroupUID &&
		id.ServerDomain == other.ServerDomain
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s/%s", id.ServerDomain, id.GroupUID.String()[:8])
}

// ProtocolInstanceUID derives the protocol-instance UID for this group
// through a one-way function, so every device and every member independently
// computes the same instance key without coordination.
func (id Identifier) ProtocolInstanceUID() types.UID {
	var buf bytes.Buffer
	buf.WriteString(instanceUIDDomainSep)
	buf.Write(id.Bytes())
	mh, err := multihash.Sum(buf.Bytes(), multihash.SHA2_256, -1)
	if err != nil {
		panic(fmt.Sprintf("groupsv2: instance uid derivation: %v", err))
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		panic(fmt.Sprintf("groupsv2: instance uid derivation: %v", err))
	}
	uid, err := types.UIDFromBytes(decoded.Digest)
	if err != nil {
		panic(fmt.Sprintf("groupsv2: instance uid derivation: %v", err))
	}
	return uid
}
