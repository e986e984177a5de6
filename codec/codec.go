// Package codec implements the transaction wire format, content ids and
// signature verification used by the verification workers.
package codec

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Wire layout, all integers big-endian:
//
//	version(1) network(1) type_group(4) type(2) nonce(8) fee(8)
//	sender_public_key(33) payload_len(4) payload signature(64)
const (
	headerSize    = 1 + 1 + 4 + 2 + 8 + 8 + secp256k1.PubKeyBytesLenCompressed + 4
	signatureSize = schnorr.SignatureSize
	MinSize       = headerSize + signatureSize
	addressSize   = 20
)

// Params is the network configuration a codec verifies against.
type Params struct {
	Network uint8 `json:"network" mapstructure:"network"`
	// MaxPayloadBytes bounds the payload section; zero disables the check.
	MaxPayloadBytes int `json:"max_payload_bytes" mapstructure:"max_payload_bytes"`
	// Version2Height activates version 2 transactions; zero keeps them disabled.
	Version2Height uint64 `json:"version2_height" mapstructure:"version2_height"`
}

// Codec deserialises and verifies transactions. Implementations hold
// per-instance state and are used by one goroutine at a time.
type Codec interface {
	SetConfig(params Params)
	SetHeight(height uint64)
	Decode(raw []byte) (*engine.Transaction, error)
	Verify(tx *engine.Transaction) (bool, error)
}

var errNotConfigured = errors.New("codec not configured")

// TransactionCodec is the default Codec.
type TransactionCodec struct {
	params     Params
	height     uint64
	configured bool
}

// New creates an unconfigured codec.
func New() *TransactionCodec {
	return &TransactionCodec{}
}

// SetConfig applies network params.
func (c *TransactionCodec) SetConfig(params Params) {
	c.params = params
	c.configured = true
}

// SetHeight moves the codec to height, which gates versioned formats.
func (c *TransactionCodec) SetHeight(height uint64) {
	c.height = height
}

// Decode parses raw into a transaction. It does not check the signature.
func (c *TransactionCodec) Decode(raw []byte) (*engine.Transaction, error) {
	if !c.configured {
		return nil, errNotConfigured
	}
	if len(raw) < MinSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than %d", engine.ErrDeserialise, len(raw), MinSize)
	}

	tx := &engine.Transaction{
		Version:   raw[0],
		Network:   raw[1],
		TypeGroup: binary.BigEndian.Uint32(raw[2:6]),
		Type:      binary.BigEndian.Uint16(raw[6:8]),
		Nonce:     binary.BigEndian.Uint64(raw[8:16]),
		Fee:       binary.BigEndian.Uint64(raw[16:24]),
	}
	switch {
	case tx.Version == 1:
	case tx.Version == 2 && c.params.Version2Height > 0 && c.height >= c.params.Version2Height:
	default:
		return nil, fmt.Errorf("%w: unsupported version %d at height %d", engine.ErrDeserialise, tx.Version, c.height)
	}
	if tx.Network != c.params.Network {
		return nil, fmt.Errorf("%w: network %d, expected %d", engine.ErrDeserialise, tx.Network, c.params.Network)
	}

	pk := raw[24 : 24+secp256k1.PubKeyBytesLenCompressed]
	if _, err := secp256k1.ParsePubKey(pk); err != nil {
		return nil, fmt.Errorf("%w: sender public key: %v", engine.ErrDeserialise, err)
	}
	off := 24 + secp256k1.PubKeyBytesLenCompressed
	payloadLen := int(binary.BigEndian.Uint32(raw[off : off+4]))
	off += 4
	if c.params.MaxPayloadBytes > 0 && payloadLen > c.params.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload of %d bytes", engine.ErrTooLarge, payloadLen)
	}
	if len(raw) != off+payloadLen+signatureSize {
		return nil, fmt.Errorf("%w: length %d does not match payload length %d", engine.ErrDeserialise, len(raw), payloadLen)
	}

	tx.SenderPublicKey = append([]byte(nil), pk...)
	tx.Sender = Address(pk)
	tx.Payload = append([]byte(nil), raw[off:off+payloadLen]...)
	tx.Signature = append([]byte(nil), raw[off+payloadLen:]...)
	tx.Serialized = append([]byte(nil), raw...)
	tx.ID = ID(raw)
	return tx, nil
}

// Verify checks the sender's schnorr signature over the unsigned bytes.
func (c *TransactionCodec) Verify(tx *engine.Transaction) (bool, error) {
	if len(tx.Serialized) < MinSize {
		return false, fmt.Errorf("%w: truncated transaction", engine.ErrDeserialise)
	}
	pub, err := secp256k1.ParsePubKey(tx.SenderPublicKey)
	if err != nil {
		return false, nil
	}
	sig, err := schnorr.ParseSignature(tx.Signature)
	if err != nil {
		return false, nil
	}
	hash := blake2b.Sum256(tx.Serialized[:len(tx.Serialized)-signatureSize])
	return sig.Verify(hash[:], pub), nil
}

// ID is the hex blake2b-256 digest of the full serialised transaction.
func ID(raw []byte) string {
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Address derives the account address of a compressed public key.
func Address(publicKey []byte) string {
	sum := blake2b.Sum256(publicKey)
	return hex.EncodeToString(sum[:addressSize])
}
