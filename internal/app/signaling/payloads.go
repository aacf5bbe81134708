package signaling

import (
	"crypto/ed25519"
	"fmt"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/secure"
	"github.com/fxamacker/cbor/v2"
)

// Payloads are CBOR with core deterministic encoding, so a signed body has
// exactly one byte representation.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signaling: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("signaling: CBOR decoder initialization failed: " + err.Error())
	}
}

// Capabilities advertised in an offer.
var Capabilities = []string{"pcm16/48000/1", "relay", "p2p"}

type introducePayload struct {
	Peer      domain.PlayerID `cbor:"peer"`
	PeerKey   []byte          `cbor:"peer_key"`
	Initiator bool            `cbor:"initiator"`
}

// Offer and answer bodies keep routing fields in clear for the server;
// Sealed holds the rest under the players' secure.SignalingKey.
type offerBody struct {
	Kind      string           `cbor:"k"`
	SessionID domain.SessionID `cbor:"sid"`
	Sender    domain.PlayerID  `cbor:"from"`
	Receiver  domain.PlayerID  `cbor:"to"`
	Sealed    []byte           `cbor:"box"`
}

type offerSecret struct {
	Ephemeral    []byte   `cbor:"eph"`
	Capabilities []string `cbor:"caps"`
}

type answerBody struct {
	Kind      string           `cbor:"k"`
	SessionID domain.SessionID `cbor:"sid"`
	Sender    domain.PlayerID  `cbor:"from"`
	Receiver  domain.PlayerID  `cbor:"to"`
	Accept    bool             `cbor:"accept"`
	Sealed    []byte           `cbor:"box,omitempty"`
}

type answerSecret struct {
	Ephemeral []byte `cbor:"eph"`
}

// signed wraps a body with the sender's identity signature over its bytes.
type signed struct {
	Body []byte `cbor:"body"`
	Sig  []byte `cbor:"sig"`
}

type confirmPayload struct {
	Fingerprint []byte `cbor:"fp"`
	Proof       []byte `cbor:"proof"`
}

type resultPayload struct {
	RelayToken  string `cbor:"relay"`
	Fingerprint []byte `cbor:"fp"`
}

type closePayload struct {
	Reason string `cbor:"reason,omitempty"`
}

func marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationRejected, err)
	}
	return nil
}

func sign(priv ed25519.PrivateKey, body any) ([]byte, error) {
	raw, err := marshal(body)
	if err != nil {
		return nil, err
	}
	return marshal(signed{Body: raw, Sig: ed25519.Sign(priv, raw)})
}

// openSealed decrypts box with key and decodes it into v.
func openSealed(key *secure.SignalingKey, kind domain.MessageKind, box []byte, v any) error {
	plain, err := key.Open(kind, box)
	if err != nil {
		return err
	}
	return unmarshal(plain, v)
}

// openSigned checks the signature with pub and decodes the body into v.
func openSigned(pub ed25519.PublicKey, payload []byte, v any) error {
	var s signed
	if err := unmarshal(payload, &s); err != nil {
		return err
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, s.Body, s.Sig) {
		return domain.ErrBadSignature
	}
	return unmarshal(s.Body, v)
}
