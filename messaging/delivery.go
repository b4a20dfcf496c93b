package messaging

import (
	"time"

	"github.com/glimte/mmate-broker/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is an inbound message as seen by handlers
type Delivery struct {
	Body          []byte
	Exchange      string
	RoutingKey    string
	CorrelationID string
	ReplyTo       string
	ContentType   string
	MessageID     string
	Headers       map[string]interface{}
	Redelivered   bool
	DeliveryTag   uint64
	Timestamp     time.Time

	raw    amqp.Delivery
	codecs *serialization.Registry
}

func newDelivery(d amqp.Delivery, codecs *serialization.Registry) *Delivery {
	return &Delivery{
		Body:          d.Body,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		ContentType:   d.ContentType,
		MessageID:     d.MessageId,
		Headers:       d.Headers,
		Redelivered:   d.Redelivered,
		DeliveryTag:   d.DeliveryTag,
		Timestamp:     d.Timestamp,
		raw:           d,
		codecs:        codecs,
	}
}

// Decode unmarshals the body into v using the codec matching ContentType
func (d *Delivery) Decode(v interface{}) error {
	codecs := d.codecs
	if codecs == nil {
		codecs = serialization.DefaultRegistry()
	}
	codec, err := codecs.Lookup(d.ContentType)
	if err != nil {
		return err
	}
	return codec.Unmarshal(d.Body, v)
}

// Raw returns the underlying amqp delivery
func (d *Delivery) Raw() amqp.Delivery {
	return d.raw
}
