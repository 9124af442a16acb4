package amqp

import (
	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/protocol"
)

// Table is an AMQP field table
type Table = protocol.Table

// Decimal is an AMQP decimal field value
type Decimal = protocol.Decimal

// Properties are the basic content header properties of a message
type Properties = method.Properties

// Publishing represents a message to publish
type Publishing struct {
	Properties
	Body []byte
}

// Delivery modes
const (
	Transient  = protocol.DeliveryModeNonPersistent
	Persistent = protocol.DeliveryModePersistent
)

// Exchange types
const (
	ExchangeDirect  = protocol.ExchangeTypeDirect
	ExchangeFanout  = protocol.ExchangeTypeFanout
	ExchangeTopic   = protocol.ExchangeTypeTopic
	ExchangeHeaders = protocol.ExchangeTypeHeaders
)

// Predefined message properties
var (
	// MinimalBasic is an empty set of properties
	MinimalBasic = Properties{}

	// MinimalPersistentBasic has only persistent delivery mode
	MinimalPersistentBasic = Properties{
		DeliveryMode: Persistent,
	}

	// Basic is basic properties with default content type
	Basic = Properties{
		ContentType:  "application/octet-stream",
		DeliveryMode: Transient,
	}

	// PersistentBasic is basic properties with persistent delivery
	PersistentBasic = Properties{
		ContentType:  "application/octet-stream",
		DeliveryMode: Persistent,
	}

	// TextPlain is properties for text messages
	TextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: Transient,
	}

	// PersistentTextPlain is properties for persistent text messages
	PersistentTextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: Persistent,
	}
)
