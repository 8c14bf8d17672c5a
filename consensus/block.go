package consensus

import (
	"encoding/binary"
	"encoding/json"
	"strconv"
)

// ShardParent pairs a block hash with the shard it belongs to. It shows up
// wherever a block references a set of availability blocks: a node's
// global_parents (availability-chain tips), and an ordering block's
// confirmed_avai_set (the availability blocks it confirms).
type ShardParent struct {
	Hash    H256
	ShardID uint32
}

// BlockHeader is shared by every block kind (proposer, availability,
// ordering, and the lightweight transaction block). Fields that a given
// kind doesn't use are left at their zero value; see each constructor.
type BlockHeader struct {
	ShardID       uint32
	PropParent    H256
	InterParent   H256
	GlobalParents []ShardParent
	OrderParent   H256
	PropRoot      H256
	AvaiRoot      H256
	OrderRoot     H256
	CmtRoot       H256
	Timestamp     uint64 // unix seconds
}

// infoHash folds the timestamp and shard id into a single digest, hashing
// each separately first so neither value's width leaks into the other.
func (h BlockHeader) infoHash() H256 {
	tsHash := Sha256([]byte(strconv.FormatUint(h.Timestamp, 10)))
	var shardBuf [4]byte
	binary.BigEndian.PutUint32(shardBuf[:], h.ShardID)
	shardHash := Sha256(shardBuf[:])
	return MultiHash([]H256{tsHash, shardHash})
}

// Hash is the header's identity: multi_hash over info_hash, the proposer and
// intra-shard parents, the folded global parents, and the three content
// roots a header actually carries independent of the ordering chain.
// order_parent and order_root are deliberately excluded: the ordering chain
// has no shard to disambiguate and is addressed purely through
// confirmed_avai_set, so folding it into the header hash would make every
// other chain's block identity depend on ordering-chain state it doesn't
// need.
func (h BlockHeader) Hash() H256 {
	globalHash := MultiHash(shardParentHashes(h.GlobalParents))
	return MultiHash([]H256{
		h.infoHash(),
		h.PropParent,
		h.InterParent,
		globalHash,
		h.PropRoot,
		h.AvaiRoot,
		h.CmtRoot,
	})
}

func shardParentHashes(set []ShardParent) []H256 {
	out := make([]H256, len(set))
	for i, sp := range set {
		out[i] = sp.Hash
	}
	return out
}

// ConfirmedAvailabilityRoot folds a set of (availability block hash, shard
// id) pairs into the ordering chain's order_root: each pair is bound
// together with pow_hash before the set is multi_hash'd, so a root over the
// same hashes under a different shard assignment never collides.
func ConfirmedAvailabilityRoot(set []ShardParent) H256 {
	bound := make([]H256, len(set))
	for i, sp := range set {
		bound[i] = PowHash(sp.Hash, sp.ShardID)
	}
	return MultiHash(bound)
}

// TransactionBlock is the unit the miner's transaction-block task mines: a
// header carrying a cmt_root over that block's symbols, plus a nonce for
// which pow_hash(header hash, nonce) meets tx_diff. Its hash is its header's
// hash, not a further pow_hash of it — the nonce is checked against the
// target separately, not folded into Hash() the way the four chain blocks
// fold theirs.
type TransactionBlock struct {
	Header BlockHeader
	Nonce  uint32
}

func (b TransactionBlock) Hash() H256 { return b.Header.Hash() }

// Bytes makes TransactionBlock usable as a MerkleLeaf when it is itself a
// leaf of a prop_tx_set or avai_tx_set tree: its native form there is its
// own hash, not its full content.
func (b TransactionBlock) Bytes() []byte {
	h := b.Hash()
	return h[:]
}

// BlockKind distinguishes the three VersaBlock variants used on the
// proposer and availability chains. Ordering blocks aren't part of this
// union: the ordering chain has a single shard-agnostic tip, so it never
// needs to be dispatched alongside per-shard blocks the way a VersaBlock
// does.
type BlockKind uint8

const (
	KindProposer BlockKind = iota
	KindExclusiveAvailability
	KindInclusiveAvailability
)

func (k BlockKind) String() string {
	switch k {
	case KindProposer:
		return "proposer"
	case KindExclusiveAvailability:
		return "exclusive-availability"
	case KindInclusiveAvailability:
		return "inclusive-availability"
	default:
		return "unknown"
	}
}

// ProposerBlock links the longest proposer chain: its prop_tx_set commits
// to the transaction blocks it is vouching for, in the order they should be
// delivered to the ordering chain.
type ProposerBlock struct {
	Header    BlockHeader
	Nonce     uint32
	PropTxSet *MerkleTree[TransactionBlock]
	hash      H256
}

func NewProposerBlock(header BlockHeader, nonce uint32, propTxSet *MerkleTree[TransactionBlock]) ProposerBlock {
	return ProposerBlock{
		Header:    header,
		Nonce:     nonce,
		PropTxSet: propTxSet,
		hash:      PowHash(header.Hash(), nonce),
	}
}

func (b ProposerBlock) Hash() H256 { return b.hash }

func (b ProposerBlock) VerifyHash() bool {
	return PowHash(b.Header.Hash(), b.Nonce) == b.hash
}

// proposerBlockWire mirrors ProposerBlock's exported fields: the cached hash
// is never shipped, since NewProposerBlock recomputes it deterministically
// from Header and Nonce on decode.
type proposerBlockWire struct {
	Header    BlockHeader
	Nonce     uint32
	PropTxSet *MerkleTree[TransactionBlock]
}

func (b ProposerBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(proposerBlockWire{b.Header, b.Nonce, b.PropTxSet})
}

func (b *ProposerBlock) UnmarshalJSON(raw []byte) error {
	var w proposerBlockWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	*b = NewProposerBlock(w.Header, w.Nonce, w.PropTxSet)
	return nil
}

// AvailabilityFlavor distinguishes the two roles an availability block can
// play for a shard: an Exclusive block only needs its own shard's parent,
// while an Inclusive block also references every shard's current tip
// (global_parents) so the ordering chain can confirm across shards in one
// step.
type AvailabilityFlavor uint8

const (
	Exclusive AvailabilityFlavor = iota
	Inclusive
)

// AvailabilityBlock extends one shard's availability chain. Flavor governs
// which parent fields the header is expected to carry; see node/multichain.go
// for how each flavor's parent set is validated against the block graph.
type AvailabilityBlock struct {
	Header    BlockHeader
	Nonce     uint32
	Flavor    AvailabilityFlavor
	AvaiTxSet *MerkleTree[TransactionBlock]
	hash      H256
}

func NewAvailabilityBlock(header BlockHeader, nonce uint32, flavor AvailabilityFlavor, avaiTxSet *MerkleTree[TransactionBlock]) AvailabilityBlock {
	return AvailabilityBlock{
		Header:    header,
		Nonce:     nonce,
		Flavor:    flavor,
		AvaiTxSet: avaiTxSet,
		hash:      PowHash(header.Hash(), nonce),
	}
}

func (b AvailabilityBlock) Hash() H256 { return b.hash }

func (b AvailabilityBlock) VerifyHash() bool {
	return PowHash(b.Header.Hash(), b.Nonce) == b.hash
}

func (b AvailabilityBlock) Kind() BlockKind {
	if b.Flavor == Inclusive {
		return KindInclusiveAvailability
	}
	return KindExclusiveAvailability
}

type availabilityBlockWire struct {
	Header    BlockHeader
	Nonce     uint32
	Flavor    AvailabilityFlavor
	AvaiTxSet *MerkleTree[TransactionBlock]
}

func (b AvailabilityBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(availabilityBlockWire{b.Header, b.Nonce, b.Flavor, b.AvaiTxSet})
}

func (b *AvailabilityBlock) UnmarshalJSON(raw []byte) error {
	var w availabilityBlockWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	*b = NewAvailabilityBlock(w.Header, w.Nonce, w.Flavor, w.AvaiTxSet)
	return nil
}

// OrderingBlock extends the single ordering chain, confirming a batch of
// availability blocks across shards (those at depth >= k on each shard's
// longest chain). It sits outside the VersaBlock
// union: there is exactly one ordering chain, so nothing ever needs to pick
// among kinds to interpret it.
type OrderingBlock struct {
	Header           BlockHeader
	Nonce            uint32
	ConfirmedAvaiSet []ShardParent
	hash             H256
}

func NewOrderingBlock(header BlockHeader, nonce uint32, confirmedAvaiSet []ShardParent) OrderingBlock {
	return OrderingBlock{
		Header:           header,
		Nonce:            nonce,
		ConfirmedAvaiSet: confirmedAvaiSet,
		hash:             PowHash(header.Hash(), nonce),
	}
}

func (b OrderingBlock) Hash() H256 { return b.hash }

func (b OrderingBlock) VerifyHash() bool {
	return PowHash(b.Header.Hash(), b.Nonce) == b.hash
}

type orderingBlockWire struct {
	Header           BlockHeader
	Nonce            uint32
	ConfirmedAvaiSet []ShardParent
}

func (b OrderingBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderingBlockWire{b.Header, b.Nonce, b.ConfirmedAvaiSet})
}

func (b *OrderingBlock) UnmarshalJSON(raw []byte) error {
	var w orderingBlockWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	*b = NewOrderingBlock(w.Header, w.Nonce, w.ConfirmedAvaiSet)
	return nil
}

// VersaBlock tags a proposer or availability block so code that walks the
// block graph (orphan buffering, insertion, broadcast) can carry either
// without caring which. Exactly one of the pointer fields is set, chosen by
// Kind.
type VersaBlock struct {
	Kind         BlockKind
	Proposer     *ProposerBlock
	Availability *AvailabilityBlock
}

func NewVersaProposer(b ProposerBlock) VersaBlock {
	return VersaBlock{Kind: KindProposer, Proposer: &b}
}

func NewVersaAvailability(b AvailabilityBlock) VersaBlock {
	return VersaBlock{Kind: b.Kind(), Availability: &b}
}

func (v VersaBlock) Hash() H256 {
	switch v.Kind {
	case KindProposer:
		return v.Proposer.Hash()
	default:
		return v.Availability.Hash()
	}
}

func (v VersaBlock) Header() BlockHeader {
	switch v.Kind {
	case KindProposer:
		return v.Proposer.Header
	default:
		return v.Availability.Header
	}
}

func (v VersaBlock) VerifyHash() bool {
	switch v.Kind {
	case KindProposer:
		return v.Proposer.VerifyHash()
	default:
		return v.Availability.VerifyHash()
	}
}

// ShardID reports the block's shard, or false for a proposer block, which
// is shard-agnostic.
func (v VersaBlock) ShardID() (uint32, bool) {
	if v.Kind == KindProposer {
		return 0, false
	}
	return v.Availability.Header.ShardID, true
}

// VersaHash is the hash-only counterpart of VersaBlock, used to announce or
// request a block without shipping its body.
type VersaHash struct {
	Kind BlockKind
	Hash H256
}
