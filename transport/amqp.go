package transport

import (
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQP carries messages through a RabbitMQ direct exchange.
//
// Each side consumes from its own inbox queue, bound to the exchange under the inbox name,
// and publishes to the peer's inbox routing key. A host uses (inbox="host", outbox="client"),
// its clients the reverse. Clients that share a routing key should each open a private
// queue (WithPrivateQueue): every response then reaches every client, and each one ignores
// the ids it did not issue.
type AMQP struct {
	ch       *amqp.Channel
	owned    *amqp.Connection // closed with the transport when DialAMQP opened it
	exchange string
	inbox    string
	outbox   string
	private  bool // server-named exclusive queue bound to inbox
	subs     listeners
	logger   *zap.Logger

	sending   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// AMQPOption configures an AMQP transport.
type AMQPOption func(*AMQP)

// WithAMQPLogger sets the logger used for consumer lifecycle events.
func WithAMQPLogger(l *zap.Logger) AMQPOption {
	return func(t *AMQP) { t.logger = l }
}

// WithPrivateQueue consumes from a fresh exclusive queue bound to the inbox key instead of
// a queue named after it, so several consumers of one key each get every message.
func WithPrivateQueue() AMQPOption {
	return func(t *AMQP) { t.private = true }
}

// DialAMQP connects to url and opens an AMQP transport on a fresh connection.
func DialAMQP(url, exchange, inbox, outbox string, opts ...AMQPOption) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	t, err := NewAMQP(conn, exchange, inbox, outbox, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.owned = conn
	return t, nil
}

// NewAMQP declares the exchange and the inbox queue on conn and starts consuming.
func NewAMQP(conn *amqp.Connection, exchange, inbox, outbox string, opts ...AMQPOption) (*AMQP, error) {
	t := &AMQP{
		exchange: exchange,
		inbox:    inbox,
		outbox:   outbox,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	t.ch = ch

	if err := ch.ExchangeDeclare(exchange, "direct", false, true, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}

	name := inbox
	if t.private {
		name = ""
	}
	q, err := ch.QueueDeclare(name, false, true, t.private, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}

	if err := ch.QueueBind(q.Name, inbox, exchange, false, nil); err != nil {
		ch.Close()
		return nil, err
	}

	deliveries, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}

	go t.consume(deliveries)
	return t, nil
}

func (t *AMQP) consume(in <-chan amqp.Delivery) {
	for d := range in {
		t.subs.deliver(d.Body)
	}
	t.logger.Debug("amqp consumer stopped", zap.String("inbox", t.inbox))
}

// Send publishes payload to the peer's inbox.
func (t *AMQP) Send(payload []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	return t.ch.Publish(t.exchange, t.outbox, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        payload,
	})
}

// Subscribe attaches l to messages arriving in the inbox.
func (t *AMQP) Subscribe(l Listener) func() {
	return t.subs.add(l)
}

// Close closes the channel, which also ends the consumer. A connection passed to NewAMQP
// is left to its owner.
func (t *AMQP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.ch.Close()
		if t.owned != nil {
			if cerr := t.owned.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
