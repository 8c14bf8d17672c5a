package p2p

// PingPayload and PongPayload carry a free-form liveness string, per the
// protocol's Ping/Pong message shape. The payload is the string's raw
// bytes: no length prefix beyond the envelope's own payload length.
type PingPayload struct {
	Text string
}

func EncodePingPayload(p PingPayload) ([]byte, error) {
	return []byte(p.Text), nil
}

func DecodePingPayload(b []byte) (*PingPayload, error) {
	return &PingPayload{Text: string(b)}, nil
}

type PongPayload struct {
	Text string
}

func EncodePongPayload(p PongPayload) ([]byte, error) {
	return []byte(p.Text), nil
}

func DecodePongPayload(b []byte) (*PongPayload, error) {
	return &PongPayload{Text: string(b)}, nil
}
