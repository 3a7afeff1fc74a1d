package publisher

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// Signer is the opaque signing and encryption identity the coordinator
// writes with. The engine never touches key material directly; hosts
// may back this with a local key, a NIP-07 bridge or a NIP-46 remote
// signer.
type Signer interface {
	// PubKey returns the identity's public key in hex.
	PubKey() string
	// Sign fills in the event's PubKey, ID and Sig.
	Sign(ev *nostr.Event) error
	// Encrypt encrypts plaintext to the given peer (NIP-04 convention).
	Encrypt(peerPubKey string, plaintext []byte) (string, error)
	// Decrypt reverses Encrypt.
	Decrypt(peerPubKey string, ciphertext string) ([]byte, error)
	// Session reports whether this is a delegated session identity.
	// Moderation-sensitive operations are rejected for session actors
	// before any network call.
	Session() bool
}

// KeySigner signs with a local hex private key.
type KeySigner struct {
	sk      string
	pk      string
	session bool
}

// NewKeySigner creates a signer from a hex private key.
func NewKeySigner(secretKey string) (*KeySigner, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	return &KeySigner{sk: secretKey, pk: pk}, nil
}

// NewSessionSigner creates a signer marked as a delegated session
// identity.
func NewSessionSigner(secretKey string) (*KeySigner, error) {
	ks, err := NewKeySigner(secretKey)
	if err != nil {
		return nil, err
	}
	ks.session = true
	return ks, nil
}

func (k *KeySigner) PubKey() string { return k.pk }

func (k *KeySigner) Session() bool { return k.session }

func (k *KeySigner) Sign(ev *nostr.Event) error {
	return ev.Sign(k.sk)
}

func (k *KeySigner) Encrypt(peerPubKey string, plaintext []byte) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubKey, k.sk)
	if err != nil {
		return "", fmt.Errorf("computing shared secret: %w", err)
	}
	return nip04.Encrypt(string(plaintext), shared)
}

func (k *KeySigner) Decrypt(peerPubKey string, ciphertext string) ([]byte, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubKey, k.sk)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	plain, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}

var _ Signer = (*KeySigner)(nil)
