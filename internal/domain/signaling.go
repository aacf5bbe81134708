package domain

type MessageKind string

const (
	KindOffer   MessageKind = "offer"
	KindAnswer  MessageKind = "answer"
	KindConfirm MessageKind = "confirm"
	KindClose   MessageKind = "close"

	// Sent by the server only.
	KindIntroduce MessageKind = "introduce"
	KindResult    MessageKind = "result"

	// Sent by a peer that lost its media path or hit too many codec errors.
	KindTransportError MessageKind = "transport_error"
	// Opaque transport setup data relayed between established peers.
	KindDescription MessageKind = "description"
)

type SignalingMessage struct {
	Kind      MessageKind `json:"kind"`
	SessionID SessionID   `json:"sid"`
	Sender    PlayerID    `json:"from"`
	Receiver  PlayerID    `json:"to"`
	Payload   []byte      `json:"payload,omitempty"`
}
