package gossip

import (
	"bytes"
	"encoding/gob"
)

// wireMessage is the envelope carried over a real network transport
// (memberlist.go). Kind distinguishes a one-way view push from a
// request/reply pair used by RequestView; CorrelationID pairs a request
// with its response.
type wireKind byte

const (
	wireGossip wireKind = iota
	wireViewRequest
	wireViewResponse
)

type wireMessage struct {
	Kind          wireKind
	From          string
	CorrelationID uint64
	View          View
}

// encodeWire serializes a wireMessage with gob. memberlist.go relies on
// memberlist's own message framing around this payload, so no length
// prefix or checksum is added here.
func encodeWire(msg wireMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeWire(b []byte) (wireMessage, error) {
	var msg wireMessage
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&msg)
	return msg, err
}
