// Package p2pnode - gossip message handler for the P2P trade protocol.
package p2pnode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/kkorel/energy-exchange/pkg/logging"
)

// PubSub topics for trade protocol messages.
const (
	// TradeTopic is for public trade messages (offer announcements).
	TradeTopic = "/energy-exchange/trade/1.0.0"

	// TradeEncryptedTopic is for encrypted private trade messages.
	// Messages are encrypted with recipient's public key, broadcast via gossip,
	// but only the recipient can decrypt them.
	TradeEncryptedTopic = "/energy-exchange/trade/encrypted/1.0.0"

	// Note: TradeDirectProtocol is defined in stream_handler.go
)

// TradeMessage represents a trade protocol message.
type TradeMessage struct {
	Type      string          `json:"type"`       // Message type
	OrderID   string          `json:"order_id"`   // Order identifier
	OfferID   string          `json:"offer_id"`   // Offer identifier (for offer-scoped messages)
	FromPeer  string          `json:"from_peer"`  // Sender peer ID
	Payload   json.RawMessage `json:"payload"`    // Type-specific payload
	Timestamp int64           `json:"timestamp"`  // Unix timestamp

	// Delivery guarantee fields (for direct P2P messaging)
	MessageID   string `json:"message_id,omitempty"`   // UUID for deduplication
	SequenceNum uint64 `json:"sequence_num,omitempty"` // Per-order sequence number
	RequiresAck bool   `json:"requires_ack,omitempty"` // Whether sender expects ACK
	Deadline    int64  `json:"deadline,omitempty"`     // When the pending message expires (retry decision)
}

// AckPayload is the acknowledgment message payload.
type AckPayload struct {
	MessageID   string `json:"message_id"`      // Which message we're ACKing
	SequenceNum uint64 `json:"sequence_num"`    // Sequence number ACKed
	Success     bool   `json:"success"`         // Processing successful
	Error       string `json:"error,omitempty"` // Error if failed
}

// Trade message types, matching the discover/select/init/confirm/status
// action vocabulary of the trade protocol envelope.
const (
	TradeMsgOfferAnnounce = "offer_announce" // seller broadcasts a new offer
	TradeMsgOfferWithdraw = "offer_withdraw" // seller withdraws an offer
	TradeMsgOrderPlace    = "order_place"    // buyer takes an offer
	TradeMsgOrderPlaced   = "order_placed"   // seller confirms the order was accepted
	TradeMsgOrderConfirm  = "order_confirm"  // both parties confirm trade terms
	TradeMsgDeliveryStart = "delivery_start" // delivery window has opened
	TradeMsgDeliveryDone  = "delivery_done"  // delivery window has closed
	TradeMsgStatusUpdate  = "status_update"  // settlement/verification status push

	// Acknowledgment message type
	TradeMsgAck = "ack" // Acknowledgment of message receipt
)

// TradeMessageHandler handles incoming trade messages.
type TradeMessageHandler func(ctx context.Context, msg *TradeMessage) error

// TradeHandler manages trade-related PubSub messaging.
type TradeHandler struct {
	node *Node
	log  *logging.Logger

	// Public topic for offer announcements
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	// Encrypted topic for private trade messages
	encryptedTopic *pubsub.Topic
	encryptedSub   *pubsub.Subscription
	encryptor      *MessageEncryptor

	handlers map[string]TradeMessageHandler
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTradeHandler creates a new trade handler.
func NewTradeHandler(n *Node) (*TradeHandler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &TradeHandler{
		node:     n,
		log:      logging.GetDefault().Component("trade-handler"),
		handlers: make(map[string]TradeMessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	return h, nil
}

// Start starts the trade handler and joins the trade topics.
func (h *TradeHandler) Start() error {
	if h.node.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	// Join the public trade topic (for offer announcements)
	topic, err := h.node.pubsub.Join(TradeTopic)
	if err != nil {
		return fmt.Errorf("failed to join trade topic: %w", err)
	}
	h.topic = topic

	// Subscribe to public messages
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to trade topic: %w", err)
	}
	h.sub = sub

	// Join the encrypted trade topic (for private order messages)
	encTopic, err := h.node.pubsub.Join(TradeEncryptedTopic)
	if err != nil {
		return fmt.Errorf("failed to join encrypted trade topic: %w", err)
	}
	h.encryptedTopic = encTopic

	// Subscribe to encrypted messages
	encSub, err := encTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to encrypted trade topic: %w", err)
	}
	h.encryptedSub = encSub

	// Create encryptor for handling encrypted messages
	privKey := h.node.Host().Peerstore().PrivKey(h.node.ID())
	if privKey != nil {
		enc, err := NewMessageEncryptor(privKey, h.node.ID())
		if err != nil {
			h.log.Warn("Failed to create encryptor", "error", err)
		} else {
			h.encryptor = enc
		}
	}

	// Start message processing loops
	go h.processMessages()
	go h.processEncryptedMessages()

	h.log.Info("Trade handler started",
		"public_topic", TradeTopic,
		"encrypted_topic", TradeEncryptedTopic)
	return nil
}

// GetEncryptedTopic returns the encrypted topic for direct publishing.
func (h *TradeHandler) GetEncryptedTopic() *pubsub.Topic {
	return h.encryptedTopic
}

// Stop stops the trade handler.
func (h *TradeHandler) Stop() error {
	h.cancel()

	if h.sub != nil {
		h.sub.Cancel()
	}
	if h.topic != nil {
		h.topic.Close()
	}
	if h.encryptedSub != nil {
		h.encryptedSub.Cancel()
	}
	if h.encryptedTopic != nil {
		h.encryptedTopic.Close()
	}

	h.log.Info("Trade handler stopped")
	return nil
}

// OnMessage registers a handler for a specific message type.
func (h *TradeHandler) OnMessage(msgType string, handler TradeMessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// SendMessage sends a trade message to the network.
func (h *TradeHandler) SendMessage(ctx context.Context, msg *TradeMessage) error {
	if h.topic == nil {
		return fmt.Errorf("not connected to trade topic")
	}

	// Set sender
	msg.FromPeer = h.node.ID().String()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := h.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	h.log.Debug("Sent trade message", "type", msg.Type, "order_id", msg.OrderID, "offer_id", msg.OfferID)
	return nil
}

// processMessages processes incoming trade messages.
func (h *TradeHandler) processMessages() {
	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return // Context cancelled, shutting down
			}
			h.log.Warn("Error receiving message", "error", err)
			continue
		}

		// Don't process our own messages
		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		// Parse message
		var tradeMsg TradeMessage
		if err := json.Unmarshal(msg.Data, &tradeMsg); err != nil {
			h.log.Warn("Failed to parse trade message", "error", err)
			continue
		}

		// Get handler
		h.mu.RLock()
		handler, ok := h.handlers[tradeMsg.Type]
		h.mu.RUnlock()

		if !ok {
			h.log.Debug("No handler for message type", "type", tradeMsg.Type)
			continue
		}

		// Handle message
		h.log.Debug("Received trade message", "type", tradeMsg.Type, "from", shortPeerID(msg.ReceivedFrom))

		go func() {
			if err := handler(h.ctx, &tradeMsg); err != nil {
				h.log.Warn("Error handling trade message", "type", tradeMsg.Type, "error", err)
			}
		}()
	}
}

// processEncryptedMessages processes incoming encrypted trade messages.
// These are messages encrypted with our public key, broadcast via PubSub gossip.
func (h *TradeHandler) processEncryptedMessages() {
	for {
		msg, err := h.encryptedSub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return // Context cancelled, shutting down
			}
			h.log.Warn("Error receiving encrypted message", "error", err)
			continue
		}

		// Don't process our own messages
		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		// Parse envelope
		var envelope EncryptedEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			h.log.Debug("Failed to parse encrypted envelope", "error", err)
			continue
		}

		// Check if message is for us
		if h.encryptor == nil || !h.encryptor.IsForUs(&envelope) {
			// Not for us, ignore (this is normal - all peers receive all gossip)
			continue
		}

		// Decrypt the message
		tradeMsg, err := h.encryptor.Decrypt(&envelope)
		if err != nil {
			h.log.Warn("Failed to decrypt message", "error", err, "from", envelope.SenderPeerID[:12])
			continue
		}

		h.log.Debug("Received encrypted message",
			"type", tradeMsg.Type,
			"order_id", tradeMsg.OrderID,
			"message_id", tradeMsg.MessageID,
			"from", envelope.SenderPeerID[:12])

		// Get handler for this message type
		h.mu.RLock()
		handler, ok := h.handlers[tradeMsg.Type]
		h.mu.RUnlock()

		if !ok {
			h.log.Debug("No handler for encrypted message type", "type", tradeMsg.Type)
			continue
		}

		// Handle message
		go func(env EncryptedEnvelope, tMsg *TradeMessage) {
			if err := handler(h.ctx, tMsg); err != nil {
				h.log.Warn("Error handling encrypted message", "type", tMsg.Type, "error", err)
				// Send NACK if message required ACK
				if tMsg.RequiresAck {
					h.sendEncryptedAck(env.SenderPeerID, tMsg.MessageID, tMsg.SequenceNum, false, err.Error())
				}
				return
			}

			// Send ACK if required
			if tMsg.RequiresAck {
				h.sendEncryptedAck(env.SenderPeerID, tMsg.MessageID, tMsg.SequenceNum, true, "")
			}
		}(envelope, tradeMsg)
	}
}

// sendEncryptedAck sends an encrypted ACK back to the sender via PubSub.
func (h *TradeHandler) sendEncryptedAck(senderPeerIDStr string, messageID string, seq uint64, success bool, errMsg string) {
	if h.encryptor == nil || h.encryptedTopic == nil {
		return
	}

	senderPeerID, err := peer.Decode(senderPeerIDStr)
	if err != nil {
		h.log.Warn("Invalid sender peer ID for ACK", "peer", senderPeerIDStr)
		return
	}

	// Create ACK message
	ackPayload := AckPayload{
		MessageID:   messageID,
		SequenceNum: seq,
		Success:     success,
		Error:       errMsg,
	}

	payloadBytes, err := json.Marshal(ackPayload)
	if err != nil {
		h.log.Warn("Failed to marshal ACK payload", "error", err)
		return
	}

	ackMsg := &TradeMessage{
		Type:      TradeMsgAck,
		Payload:   payloadBytes,
		FromPeer:  h.node.ID().String(),
		MessageID: messageID,
	}

	// Encrypt and send ACK
	envelope, err := h.encryptor.Encrypt(senderPeerID, ackMsg)
	if err != nil {
		h.log.Warn("Failed to encrypt ACK", "error", err)
		return
	}

	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		h.log.Warn("Failed to marshal ACK envelope", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	if err := h.encryptedTopic.Publish(ctx, envelopeBytes); err != nil {
		h.log.Warn("Failed to publish ACK", "error", err)
	}

	h.log.Debug("Sent encrypted ACK", "message_id", messageID, "success", success)
}

func shortPeerID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Helper functions for creating common messages

// OfferAnnouncePayload describes a newly published offer.
type OfferAnnouncePayload struct {
	ProviderID     string  `json:"provider_id"`
	PricePerKWh    float64 `json:"price_per_kwh"`
	MaxQuantityKWh float64 `json:"max_quantity_kwh"`
	DeliveryStart  int64   `json:"delivery_start"`
	DeliveryEnd    int64   `json:"delivery_end"`
}

// NewOfferAnnounceMessage creates an offer announcement message.
func NewOfferAnnounceMessage(offerID string, payload *OfferAnnouncePayload) (*TradeMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &TradeMessage{
		Type:    TradeMsgOfferAnnounce,
		OfferID: offerID,
		Payload: data,
	}, nil
}

// NewOfferWithdrawMessage creates an offer withdrawal message.
func NewOfferWithdrawMessage(offerID string) (*TradeMessage, error) {
	return &TradeMessage{
		Type:    TradeMsgOfferWithdraw,
		OfferID: offerID,
	}, nil
}

// OrderPlacePayload describes a buyer's attempt to take an offer.
type OrderPlacePayload struct {
	BuyerID      string  `json:"buyer_id"`
	RequestedKWh float64 `json:"requested_kwh"`
}

// NewOrderPlaceMessage creates an order-take message against an offer.
func NewOrderPlaceMessage(offerID, orderID string, payload *OrderPlacePayload) (*TradeMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &TradeMessage{
		Type:    TradeMsgOrderPlace,
		OfferID: offerID,
		OrderID: orderID,
		Payload: data,
	}, nil
}

// NewTradeMessage creates a generic trade message.
func NewTradeMessage(msgType, orderID string, payload interface{}) (*TradeMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &TradeMessage{
		Type:    msgType,
		OrderID: orderID,
		Payload: data,
	}, nil
}

// StatusUpdatePayload carries a settlement or verification status push.
type StatusUpdatePayload struct {
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// NewStatusUpdateMessage creates a status-push message for an order.
func NewStatusUpdateMessage(orderID, status, detail string) (*TradeMessage, error) {
	payload := StatusUpdatePayload{Status: status, Detail: detail}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &TradeMessage{
		Type:    TradeMsgStatusUpdate,
		OrderID: orderID,
		Payload: data,
	}, nil
}
