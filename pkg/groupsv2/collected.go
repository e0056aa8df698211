// pkg/groupsv2/collected.go
package groupsv2

import (
	"fmt"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// InvitationCollectedData accumulates the key material a recipient gathers
// before a blob download can succeed. Seeds may arrive out of order, from
// several inviters, over several messages; everything is kept until one
// (main seed, version seed) combination decrypts the blob.
type InvitationCollectedData struct {
	// MainSeedCandidates maps an inviter (canonical identity serialization)
	// to the main seed it sent. Only seeds received over authenticated or
	// same-owner channels are ever admitted here.
	MainSeedCandidates map[string]types.Seed
	// VersionSeedCandidates in arrival order, deduplicated.
	VersionSeedCandidates []types.Seed
	// AdminPrivCandidates holds received group-admin key bytes (possibly
	// empty for non-admin recipients).
	AdminPrivCandidates [][]byte
}

// NewInvitationCollectedData returns an empty accumulator.
func NewInvitationCollectedData() *InvitationCollectedData {
	return &InvitationCollectedData{MainSeedCandidates: make(map[string]types.Seed)}
}

// AddMainSeed records a main seed candidate from an inviter. The caller is
// responsible for only passing seeds that arrived over a trusted channel.
func (c *InvitationCollectedData) AddMainSeed(inviter types.Identity, seed types.Seed) {
	if seed.IsZero() {
		return
	}
	c.MainSeedCandidates[string(inviter.Bytes())] = seed
}

// AddVersionSeed records a version seed candidate.
func (c *InvitationCollectedData) AddVersionSeed(seed types.Seed) {
	if seed.IsZero() {
		return
	}
	for _, s := range c.VersionSeedCandidates {
		if s == seed {
			return
		}
	}
	c.VersionSeedCandidates = append(c.VersionSeedCandidates, seed)
}

// AddAdminPriv records a received admin key.
func (c *InvitationCollectedData) AddAdminPriv(priv []byte) {
	if len(priv) == 0 {
		return
	}
	for _, p := range c.AdminPrivCandidates {
		if string(p) == string(priv) {
			return
		}
	}
	c.AdminPrivCandidates = append(c.AdminPrivCandidates, append([]byte(nil), priv...))
}

// Merge folds another accumulator into this one.
func (c *InvitationCollectedData) Merge(other *InvitationCollectedData) {
	for inviter, seed := range other.MainSeedCandidates {
		c.MainSeedCandidates[inviter] = seed
	}
	for _, s := range other.VersionSeedCandidates {
		c.AddVersionSeed(s)
	}
	for _, p := range other.AdminPrivCandidates {
		c.AddAdminPriv(p)
	}
}

// KeyCombinations enumerates every (main seed, version seed) pair to try
// against a downloaded blob, preserving inviter association for the main
// seed so the successful inviter can be credited.
func (c *InvitationCollectedData) KeyCombinations() []BlobKeys {
	var out []BlobKeys
	for _, main := range c.MainSeedCandidates {
		for _, version := range c.VersionSeedCandidates {
			out = append(out, BlobKeys{MainSeed: main, VersionSeed: version})
		}
	}
	return out
}

// CanAttemptDecryption reports whether at least one combination exists.
func (c *InvitationCollectedData) CanAttemptDecryption() bool {
	return len(c.MainSeedCandidates) > 0 && len(c.VersionSeedCandidates) > 0
}

func (c *InvitationCollectedData) value() encoded.Value {
	var mains []encoded.Value
	for inviter, seed := range c.MainSeedCandidates {
		mains = append(mains, encoded.List(encoded.Bytes([]byte(inviter)), encoded.Seed(seed)))
	}
	var versions []encoded.Value
	for _, s := range c.VersionSeedCandidates {
		versions = append(versions, encoded.Seed(s))
	}
	var admins []encoded.Value
	for _, p := range c.AdminPrivCandidates {
		admins = append(admins, encoded.Bytes(p))
	}
	return encoded.List(
		encoded.List(mains...),
		encoded.List(versions...),
		encoded.List(admins...),
	)
}

func collectedFromValue(v encoded.Value) (*InvitationCollectedData, error) {
	vs, err := v.AsListOfLen(3)
	if err != nil {
		return nil, err
	}
	c := NewInvitationCollectedData()
	mains, err := vs[0].AsList()
	if err != nil {
		return nil, fmt.Errorf("main seeds: %w", err)
	}
	for i, mv := range mains {
		pair, err := mv.AsListOfLen(2)
		if err != nil {
			return nil, fmt.Errorf("main seed %d: %w", i, err)
		}
		inviterBytes, err := pair[0].AsBytes()
		if err != nil {
			return nil, fmt.Errorf("main seed %d inviter: %w", i, err)
		}
		seed, err := pair[1].AsSeed()
		if err != nil {
			return nil, fmt.Errorf("main seed %d seed: %w", i, err)
		}
		c.MainSeedCandidates[string(inviterBytes)] = seed
	}
	versions, err := vs[1].AsList()
	if err != nil {
		return nil, fmt.Errorf("version seeds: %w", err)
	}
	for i, sv := range versions {
		seed, err := sv.AsSeed()
		if err != nil {
			return nil, fmt.Errorf("version seed %d: %w", i, err)
		}
		c.AddVersionSeed(seed)
	}
	admins, err := vs[2].AsList()
	if err != nil {
		return nil, fmt.Errorf("admin keys: %w", err)
	}
	for i, av := range admins {
		p, err := av.AsBytes()
		if err != nil {
			return nil, fmt.Errorf("admin key %d: %w", i, err)
		}
		c.AddAdminPriv(p)
	}
	return c, nil
}
