// Package capro defines the connection protocol messages exchanged between
// ports and the broker.
package capro

import (
	"fmt"
	"strings"

	"github.com/coachpo/chunkbus/internal/queue"
)

// ServiceDescription identifies a topic. Two ports communicate only when their
// descriptions are equal.
type ServiceDescription struct {
	Service  string
	Instance string
	Event    string
}

// NewServiceDescription builds a description from its three components.
func NewServiceDescription(service, instance, event string) ServiceDescription {
	return ServiceDescription{Service: service, Instance: instance, Event: event}
}

// Validate reports whether all three components are set.
func (s ServiceDescription) Validate() error {
	if strings.TrimSpace(s.Service) == "" {
		return fmt.Errorf("service description: service required")
	}
	if strings.TrimSpace(s.Instance) == "" {
		return fmt.Errorf("service description: instance required")
	}
	if strings.TrimSpace(s.Event) == "" {
		return fmt.Errorf("service description: event required")
	}
	return nil
}

func (s ServiceDescription) String() string {
	return s.Service + "/" + s.Instance + "/" + s.Event
}

// MessageType enumerates the connection protocol messages.
type MessageType uint8

const (
	// MessageNone is the zero value and never sent.
	MessageNone MessageType = iota
	MessageOffer
	MessageStopOffer
	MessageSubscribe
	MessageUnsubscribe
	MessageAck
	MessageNack
)

var messageTypeNames = [...]string{
	MessageNone:        "NONE",
	MessageOffer:       "OFFER",
	MessageStopOffer:   "STOP_OFFER",
	MessageSubscribe:   "SUBSCRIBE",
	MessageUnsubscribe: "UNSUBSCRIBE",
	MessageAck:         "ACK",
	MessageNack:        "NACK",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Message is a transient connection protocol message. Queue carries the
// subscriber's endpoint on SUBSCRIBE and UNSUBSCRIBE so that the publisher can
// register or remove it; it is nil otherwise.
type Message struct {
	Type    MessageType
	Service ServiceDescription
	Queue   *queue.ChunkQueueData
}

// NewMessage constructs a message without queue endpoint.
func NewMessage(typ MessageType, service ServiceDescription) Message {
	return Message{Type: typ, Service: service}
}

func (m Message) String() string {
	return m.Type.String() + " " + m.Service.String()
}
