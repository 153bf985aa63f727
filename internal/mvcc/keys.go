package mvcc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned for empty keys or keys containing a zero byte,
// which is reserved as the version-key separator.
var ErrInvalidKey = errors.New("mvcc: key must be non-empty and contain no zero bytes")

// Version keys lay out as userKey | 0x00 | ^commitTS (big-endian). The
// inverted timestamp makes the engine's ascending key order enumerate the
// versions of one key newest first, while user keys keep their natural order.
const versionSuffixLen = 1 + 8

// ValidateKey rejects keys that cannot be version-encoded.
func ValidateKey(key []byte) error {
	if len(key) == 0 || bytes.IndexByte(key, 0) >= 0 {
		return ErrInvalidKey
	}
	return nil
}

func encodeVersionKey(key []byte, ts uint64) []byte {
	out := make([]byte, len(key)+versionSuffixLen)
	copy(out, key)
	out[len(key)] = 0
	binary.BigEndian.PutUint64(out[len(key)+1:], ^ts)
	return out
}

func decodeVersionKey(vk []byte) (key []byte, ts uint64, err error) {
	if len(vk) < 1+versionSuffixLen {
		return nil, 0, fmt.Errorf("mvcc: version key too short (%d bytes)", len(vk))
	}
	sep := len(vk) - versionSuffixLen
	if vk[sep] != 0 {
		return nil, 0, fmt.Errorf("mvcc: version key missing separator")
	}
	return vk[:sep], ^binary.BigEndian.Uint64(vk[sep+1:]), nil
}

// versionPrefix covers every version of key: all encoded versions sort within
// [key|0x00, key|0x01).
func versionPrefix(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

func versionPrefixEnd(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	out[len(key)] = 1
	return out
}

// Version values carry a tombstone flag ahead of the payload so deletes are
// recorded as versions, not as engine-level removals.
const (
	versionValue     = 0
	versionTombstone = 1
)

func encodeVersionValue(tombstone bool, value []byte) []byte {
	if tombstone {
		return []byte{versionTombstone}
	}
	out := make([]byte, 1+len(value))
	out[0] = versionValue
	copy(out[1:], value)
	return out
}

func decodeVersionValue(raw []byte) (value []byte, tombstone bool, err error) {
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("mvcc: empty version value")
	}
	switch raw[0] {
	case versionTombstone:
		return nil, true, nil
	case versionValue:
		return raw[1:], false, nil
	default:
		return nil, false, fmt.Errorf("mvcc: unknown version value flag %d", raw[0])
	}
}
