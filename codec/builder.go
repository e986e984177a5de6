package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"golang.org/x/crypto/blake2b"
)

// Unsigned holds the fields of a transaction before signing.
type Unsigned struct {
	Version   uint8
	Network   uint8
	TypeGroup uint32
	Type      uint16
	Nonce     uint64
	Fee       uint64
	Payload   []byte
}

// Sign serialises u with the public key of key and appends a schnorr signature.
func Sign(u Unsigned, key *secp256k1.PrivateKey) ([]byte, error) {
	if u.Version == 0 {
		u.Version = 1
	}
	buf := make([]byte, headerSize, headerSize+len(u.Payload)+signatureSize)
	buf[0] = u.Version
	buf[1] = u.Network
	binary.BigEndian.PutUint32(buf[2:6], u.TypeGroup)
	binary.BigEndian.PutUint16(buf[6:8], u.Type)
	binary.BigEndian.PutUint64(buf[8:16], u.Nonce)
	binary.BigEndian.PutUint64(buf[16:24], u.Fee)
	copy(buf[24:], key.PubKey().SerializeCompressed())
	binary.BigEndian.PutUint32(buf[headerSize-4:headerSize], uint32(len(u.Payload)))
	buf = append(buf, u.Payload...)

	hash := blake2b.Sum256(buf)
	sig, err := schnorr.Sign(key, hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return append(buf, sig.Serialize()...), nil
}

// KeyAddress returns the address controlled by key.
func KeyAddress(key *secp256k1.PrivateKey) string {
	return Address(key.PubKey().SerializeCompressed())
}

// DevKey derives the index-th development key from seed. The keys are
// predictable and must only fund test networks.
func DevKey(seed string, index uint32) *secp256k1.PrivateKey {
	buf := make([]byte, 0, len(seed)+4)
	buf = append(buf, seed...)
	buf = binary.BigEndian.AppendUint32(buf, index)
	h := blake2b.Sum256(buf)
	return secp256k1.PrivKeyFromBytes(h[:])
}
