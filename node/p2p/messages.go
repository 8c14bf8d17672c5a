package p2p

// Command strings identify an Optchain wire message inside the envelope
// framing in envelope.go; the payload itself is opaque bytes to this
// package (see node/network.go for the typed encode/decode layer on top).
const (
	CmdPing = "ping"
	CmdPong = "pong"

	CmdNewTxBlockHash = "newtxblockhash"
	CmdGetTxBlocks    = "gettxblocks"
	CmdTxBlocks       = "txblocks"

	CmdNewBlockHash = "newblockhash"
	CmdGetBlocks    = "getblocks"
	CmdBlocks       = "blocks"

	CmdNewSymbols = "newsymbols"
	CmdGetSymbols = "getsymbols"
	CmdSymbols    = "symbols"
)
