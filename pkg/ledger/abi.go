package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ABI surface of the AutoPilot permission contract. The contract is small
// enough that selectors, topics and word codecs are declared here directly
// instead of going through a generated binding.
//
// Function selectors:
//
//	grantPermission(uint256,uint256)
//	revokePermission()
//	togglePause(bool)
//	setConfig(uint256)
//	getPermission(address) → (uint256,uint256,uint256,bool,uint256)

var (
	SelGrantPermission  = Selector("grantPermission(uint256,uint256)")
	SelRevokePermission = Selector("revokePermission()")
	SelTogglePause      = Selector("togglePause(bool)")
	SelSetConfig        = Selector("setConfig(uint256)")
	SelGetPermission    = Selector("getPermission(address)")
)

// Event topic hashes. The owner address is the only indexed parameter on
// every event; remaining parameters live in the data segment.
var (
	TopicPermissionGranted = EventTopic("PermissionGranted(address,uint256,uint256,uint256)")
	TopicPermissionRevoked = EventTopic("PermissionRevoked(address,uint256)")
	TopicPermissionUsed    = EventTopic("PermissionUsed(address,uint256,uint256)")
	TopicPermissionPaused  = EventTopic("PermissionPaused(address,uint256)")
	TopicPermissionResumed = EventTopic("PermissionResumed(address,uint256)")
	TopicRebalanceExecuted = EventTopic("RebalanceExecuted(address,address,address,uint256,uint256,uint256,uint256)")
	TopicConfigUpdated     = EventTopic("ConfigUpdated(address,uint256,uint256)")
)

// Keccak256 returns the keccak-256 digest of data.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// Selector returns the 4-byte function selector for a signature.
func Selector(signature string) []byte {
	return Keccak256([]byte(signature))[:4]
}

// EventTopic returns the 0x-prefixed topic0 hash for an event signature.
func EventTopic(signature string) string {
	return "0x" + hex.EncodeToString(Keccak256([]byte(signature)))
}

// Word is one 32-byte ABI slot.
const wordSize = 32

// EncodeUint64 places v in the low-order bytes of a 32-byte word.
func EncodeUint64(v uint64) []byte {
	w := make([]byte, wordSize)
	for i := 0; i < 8; i++ {
		w[wordSize-1-i] = byte(v >> (8 * i))
	}
	return w
}

// EncodeBool encodes a bool as a 32-byte word.
func EncodeBool(v bool) []byte {
	w := make([]byte, wordSize)
	if v {
		w[wordSize-1] = 1
	}
	return w
}

// EncodeAddress left-pads a 20-byte address into a 32-byte word.
func EncodeAddress(addr string) ([]byte, error) {
	b, err := DecodeHex(addr)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	if len(b) != 20 {
		return nil, fmt.Errorf("address %q: want 20 bytes, got %d", addr, len(b))
	}
	w := make([]byte, wordSize)
	copy(w[wordSize-20:], b)
	return w, nil
}

// DecodeUint64 reads a uint64 from a 32-byte word. The high-order 24 bytes
// must be zero; larger values are rejected rather than truncated.
func DecodeUint64(word []byte) (uint64, error) {
	if len(word) != wordSize {
		return 0, fmt.Errorf("word: want %d bytes, got %d", wordSize, len(word))
	}
	for _, b := range word[:wordSize-8] {
		if b != 0 {
			return 0, fmt.Errorf("uint64 overflow in word %x", word)
		}
	}
	var v uint64
	for _, b := range word[wordSize-8:] {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// DecodeBool reads a bool from a 32-byte word.
func DecodeBool(word []byte) (bool, error) {
	v, err := DecodeUint64(word)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// DecodeAddress reads a 0x-prefixed lowercase address from a 32-byte word.
func DecodeAddress(word []byte) (string, error) {
	if len(word) != wordSize {
		return "", fmt.Errorf("word: want %d bytes, got %d", wordSize, len(word))
	}
	return "0x" + hex.EncodeToString(word[wordSize-20:]), nil
}

// TopicAddress extracts the address from an indexed-address topic.
func TopicAddress(topic string) (string, error) {
	b, err := DecodeHex(topic)
	if err != nil {
		return "", fmt.Errorf("decode topic %q: %w", topic, err)
	}
	if len(b) != wordSize {
		return "", fmt.Errorf("topic %q: want %d bytes, got %d", topic, wordSize, len(b))
	}
	return DecodeAddress(b)
}

// DecodeHex decodes a hex string with or without the 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// Words splits an ABI data segment into 32-byte words.
func Words(data []byte) ([][]byte, error) {
	if len(data)%wordSize != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of %d", len(data), wordSize)
	}
	out := make([][]byte, 0, len(data)/wordSize)
	for i := 0; i < len(data); i += wordSize {
		out = append(out, data[i:i+wordSize])
	}
	return out, nil
}
