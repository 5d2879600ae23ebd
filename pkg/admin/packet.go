package admin

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Method tokens carried in packets.
const (
	MethodAdminAuth         = "adminAuth"
	MethodAdminCommand      = "adminCommand"
	MethodAdminAuthOk       = "onAdminAuthOk"
	MethodAdminAuthError    = "onAdminAuthError"
	MethodAdminResult       = "onAdminResult"
	MethodBlueprintAdded    = "onBlueprintAdded"
	MethodBlueprintModified = "onBlueprintModified"
	MethodBlueprintRemoved  = "onBlueprintRemoved"
	MethodEntityAdded       = "onEntityAdded"
	MethodEntityModified    = "onEntityModified"
	MethodEntityRemoved     = "onEntityRemoved"
	MethodSettingsModified  = "onSettingsModified"
	MethodSpawnModified     = "onSpawnModified"
)

// ErrMalformedPacket is returned when a frame cannot be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is one decoded WebSocket frame.
type Packet struct {
	Method  string
	Payload json.RawMessage
}

// EncodePacket marshals payload to JSON and frames it with method.
func EncodePacket(method string, payload any) ([]byte, error) {
	if method == "" {
		return nil, fmt.Errorf("packet method cannot be empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	buf := make([]byte, 0, len(method)+len(body)+2*binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(method)))
	buf = append(buf, method...)
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	return buf, nil
}

// DecodePacket parses a framed packet. Trailing bytes are rejected.
func DecodePacket(data []byte) (*Packet, error) {
	method, rest, err := readField(data)
	if err != nil {
		return nil, err
	}
	if len(method) == 0 {
		return nil, fmt.Errorf("%w: empty method", ErrMalformedPacket)
	}
	body, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, len(rest))
	}
	if len(body) > 0 && !json.Valid(body) {
		return nil, fmt.Errorf("%w: payload is not JSON", ErrMalformedPacket)
	}
	return &Packet{Method: string(method), Payload: json.RawMessage(body)}, nil
}

func readField(data []byte) (field, rest []byte, err error) {
	n, size := binary.Uvarint(data)
	if size <= 0 {
		return nil, nil, fmt.Errorf("%w: bad length prefix", ErrMalformedPacket)
	}
	data = data[size:]
	if uint64(len(data)) < n {
		return nil, nil, fmt.Errorf("%w: field truncated", ErrMalformedPacket)
	}
	return data[:n], data[n:], nil
}
