package consensus

// Transaction is an opaque payload: this protocol validates availability and
// ordering, not transaction semantics, so a transaction is nothing more than
// the bytes a client submitted.
type Transaction struct {
	Payload []byte
}

func (t Transaction) Hash() H256 { return Sha256(t.Payload) }

func (t Transaction) Bytes() []byte { return t.Payload }
