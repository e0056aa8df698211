// pkg/groupsv2/chain.go
package groupsv2

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

const chainHashSize = 32

// ChainBlock is one link of the administrators chain. It lists the admin
// identity set effective from this block on and is signed over the block
// hash by a still-valid admin of the previous block (the group creator for
// the genesis block).
type ChainBlock struct {
	PrevHash  []byte
	Admins    []types.Identity
	Signer    types.Identity
	Signature []byte
}

// body is the signed serialization of the block, without the signature.
func (b ChainBlock) body() []byte {
	adminVals := make([]encoded.Value, 0, len(b.Admins))
	for _, a := range b.Admins {
		adminVals = append(adminVals, encoded.Identity(a))
	}
	v := encoded.List(
		encoded.Bytes(b.PrevHash),
		encoded.List(adminVals...),
		encoded.Identity(b.Signer),
	)
	raw, err := v.Encode()
	if err != nil {
		panic(fmt.Sprintf("groupsv2: encode chain block: %v", err))
	}
	return raw
}

// Hash chains the block onto its predecessor: the previous hash and the
// block body's leaf hash are combined as interior-node children, so a block
// cannot be re-parented without changing its hash.
func (b ChainBlock) Hash() []byte {
	leaf := rfc6962.DefaultHasher.HashLeaf(b.body())
	return rfc6962.DefaultHasher.HashChildren(b.PrevHash, leaf)
}

func (b ChainBlock) value() encoded.Value {
	adminVals := make([]encoded.Value, 0, len(b.Admins))
	for _, a := range b.Admins {
		adminVals = append(adminVals, encoded.Identity(a))
	}
	return encoded.List(
		encoded.Bytes(b.PrevHash),
		encoded.List(adminVals...),
		encoded.Identity(b.Signer),
		encoded.Bytes(b.Signature),
	)
}

func chainBlockFromValue(v encoded.Value) (ChainBlock, error) {
	vs, err := v.AsListOfLen(4)
	if err != nil {
		return ChainBlock{}, err
	}
	var b ChainBlock
	if b.PrevHash, err = vs[0].AsBytes(); err != nil {
		return ChainBlock{}, fmt.Errorf("prev hash: %w", err)
	}
	if len(b.PrevHash) != chainHashSize {
		return ChainBlock{}, fmt.Errorf("prev hash must be %d bytes, got %d", chainHashSize, len(b.PrevHash))
	}
	adminVals, err := vs[1].AsList()
	if err != nil {
		return ChainBlock{}, fmt.Errorf("admins: %w", err)
	}
	for i, av := range adminVals {
		admin, err := av.AsIdentity()
		if err != nil {
			return ChainBlock{}, fmt.Errorf("admin %d: %w", i, err)
		}
		b.Admins = append(b.Admins, admin)
	}
	if b.Signer, err = vs[2].AsIdentity(); err != nil {
		return ChainBlock{}, fmt.Errorf("signer: %w", err)
	}
	if b.Signature, err = vs[3].AsBytes(); err != nil {
		return ChainBlock{}, fmt.Errorf("signature: %w", err)
	}
	return b, nil
}

// AdministratorsChain is the append-only signed record of the group's admin
// set history. Only verified chains (WithCheckedIntegrity) may be trusted.
type AdministratorsChain struct {
	Blocks []ChainBlock
}

// Signer abstracts signing with an identity's long-term key; the identity
// manager implements it.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// NewChain builds and signs the genesis block. The creator must be in the
// initial admin set. The genesis PrevHash is a random seed, so the group UID
// (the genesis block hash) commits to the creator, the initial admin set,
// and the seed; two creations by the same admin never share a UID.
func NewChain(creator types.Identity, sign Signer, admins []types.Identity) (AdministratorsChain, error) {
	if !identitySetContains(admins, creator) {
		return AdministratorsChain{}, fmt.Errorf("creator must be an initial administrator")
	}
	seed := make([]byte, chainHashSize)
	if _, err := rand.Read(seed); err != nil {
		return AdministratorsChain{}, fmt.Errorf("genesis seed: %w", err)
	}
	block := ChainBlock{
		PrevHash: seed,
		Admins:   append([]types.Identity(nil), admins...),
		Signer:   creator,
	}
	sig, err := sign.Sign(block.Hash())
	if err != nil {
		return AdministratorsChain{}, fmt.Errorf("sign genesis block: %w", err)
	}
	block.Signature = sig
	return AdministratorsChain{Blocks: []ChainBlock{block}}, nil
}

// Append extends the chain with a new admin set, signed by signer, who must
// be an admin of the current last block.
func (c AdministratorsChain) Append(signer types.Identity, sign Signer, admins []types.Identity) (AdministratorsChain, error) {
	if len(c.Blocks) == 0 {
		return AdministratorsChain{}, fmt.Errorf("cannot append to an empty chain")
	}
	last := c.Blocks[len(c.Blocks)-1]
	if !identitySetContains(last.Admins, signer) {
		return AdministratorsChain{}, fmt.Errorf("signer %s is not a current administrator", signer)
	}
	block := ChainBlock{
		PrevHash: last.Hash(),
		Admins:   append([]types.Identity(nil), admins...),
		Signer:   signer,
	}
	sig, err := sign.Sign(block.Hash())
	if err != nil {
		return AdministratorsChain{}, fmt.Errorf("sign chain block: %w", err)
	}
	block.Signature = sig
	out := AdministratorsChain{Blocks: make([]ChainBlock, len(c.Blocks)+1)}
	copy(out.Blocks, c.Blocks)
	out.Blocks[len(c.Blocks)] = block
	return out, nil
}

// GroupUID derives the group UID from the genesis block hash.
func (c AdministratorsChain) GroupUID() (types.UID, error) {
	if len(c.Blocks) == 0 {
		return types.UID{}, fmt.Errorf("empty administrators chain")
	}
	return types.UIDFromBytes(c.Blocks[0].Hash())
}

// AdminSet returns the admin identities established by the last block.
func (c AdministratorsChain) AdminSet() []types.Identity {
	if len(c.Blocks) == 0 {
		return nil
	}
	return append([]types.Identity(nil), c.Blocks[len(c.Blocks)-1].Admins...)
}

// LastHash returns the hash of the last block, or nil for an empty chain.
func (c AdministratorsChain) LastHash() []byte {
	if len(c.Blocks) == 0 {
		return nil
	}
	return c.Blocks[len(c.Blocks)-1].Hash()
}

// IsPrefixOf reports whether c's blocks are exactly the first blocks of
// other. A stale chain held locally must be a prefix of any legitimate
// successor.
func (c AdministratorsChain) IsPrefixOf(other AdministratorsChain) bool {
	if len(c.Blocks) > len(other.Blocks) {
		return false
	}
	for i, b := range c.Blocks {
		if !bytes.Equal(b.Hash(), other.Blocks[i].Hash()) {
			return false
		}
	}
	return true
}

func (c AdministratorsChain) value() encoded.Value {
	vals := make([]encoded.Value, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		vals = append(vals, b.value())
	}
	return encoded.List(vals...)
}

func chainFromValue(v encoded.Value) (AdministratorsChain, error) {
	vs, err := v.AsList()
	if err != nil {
		return AdministratorsChain{}, err
	}
	var c AdministratorsChain
	for i, bv := range vs {
		b, err := chainBlockFromValue(bv)
		if err != nil {
			return AdministratorsChain{}, fmt.Errorf("block %d: %w", i, err)
		}
		c.Blocks = append(c.Blocks, b)
	}
	return c, nil
}

// Encode serializes the chain.
func (c AdministratorsChain) Encode() ([]byte, error) {
	return c.value().Encode()
}

// ParseChain decodes a serialized chain. Integrity is NOT checked here.
func ParseChain(b []byte) (AdministratorsChain, error) {
	v, err := encoded.Decode(b)
	if err != nil {
		return AdministratorsChain{}, err
	}
	return chainFromValue(v)
}

// ChainVerifier checks chain integrity, remembering chains already verified
// in this process. The cache key binds the last block hash to the group UID,
// so the same chain claimed for a different group is re-checked.
type ChainVerifier struct {
	cache *lru.Cache[string, struct{}]
}

// NewChainVerifier builds a verifier caching up to size verified chains.
func NewChainVerifier(size int) (*ChainVerifier, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &ChainVerifier{cache: cache}, nil
}

// WithCheckedIntegrity walks the chain from genesis, verifying every hash
// link, every signature, and that each block's signer was an administrator
// established by the immediately preceding block. The genesis block must
// hash to the group UID (which is how the identifier commits to the
// creator) and be signed by the creator it names. Returns the chain itself
// on success so callers can thread it.
func (cv *ChainVerifier) WithCheckedIntegrity(groupUID types.UID, c AdministratorsChain) (AdministratorsChain, error) {
	if len(c.Blocks) == 0 {
		return AdministratorsChain{}, fmt.Errorf("empty administrators chain")
	}

	cacheKey := hex.EncodeToString(c.LastHash()) + "|" + groupUID.String()
	if cv != nil && cv.cache != nil {
		if _, ok := cv.cache.Get(cacheKey); ok {
			return c, nil
		}
	}

	genesis := c.Blocks[0]
	if !bytes.Equal(genesis.Hash(), groupUID.Bytes()) {
		return AdministratorsChain{}, fmt.Errorf("genesis block does not match the group uid")
	}
	if !identitySetContains(genesis.Admins, genesis.Signer) {
		return AdministratorsChain{}, fmt.Errorf("genesis block signer is not an initial administrator")
	}

	prevAdmins := genesis.Admins
	prevHash := genesis.Hash()
	for i, block := range c.Blocks {
		if i > 0 {
			if !bytes.Equal(block.PrevHash, prevHash) {
				return AdministratorsChain{}, fmt.Errorf("block %d: broken hash link", i)
			}
			if !identitySetContains(prevAdmins, block.Signer) {
				return AdministratorsChain{}, fmt.Errorf("block %d: signer %s was not an administrator", i, block.Signer)
			}
			prevAdmins = block.Admins
			prevHash = block.Hash()
		}
		if len(block.Signer.PublicKey) != ed25519.PublicKeySize ||
			!block.Signer.Verify(block.Hash(), block.Signature) {
			return AdministratorsChain{}, fmt.Errorf("block %d: invalid signature", i)
		}
	}

	if cv != nil && cv.cache != nil {
		cv.cache.Add(cacheKey, struct{}{})
	}
	return c, nil
}

func identitySetContains(set []types.Identity, id types.Identity) bool {
	for _, s := range set {
		if s.Equal(id) {
			return true
		}
	}
	return false
}

// identitySetsEqual compares two identity sets ignoring order and
// duplicates.
func identitySetsEqual(a, b []types.Identity) bool {
	for _, x := range a {
		if !identitySetContains(b, x) {
			return false
		}
	}
	for _, x := range b {
		if !identitySetContains(a, x) {
			return false
		}
	}
	return true
}
