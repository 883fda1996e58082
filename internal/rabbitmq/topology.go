package rabbitmq

import (
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology is the part of *amqp.Channel used to declare and inspect queues
type Topology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// QueueDeclaration defines a durable queue bound to an exchange
type QueueDeclaration struct {
	Name         string
	Exchange     string
	ExchangeType string
	RoutingKey   string
	Arguments    amqp.Table
}

// DeclareQueue declares the exchange and queue of decl and binds them.
// An empty exchange means the default exchange, which needs no binding.
func DeclareQueue(ch Topology, decl QueueDeclaration) error {
	if decl.Exchange != "" {
		kind := decl.ExchangeType
		if kind == "" {
			kind = amqp.ExchangeDirect
		}
		if err := ch.ExchangeDeclare(decl.Exchange, kind, true, false, false, false, nil); err != nil {
			return topologyError("exchange", decl.Exchange, "declare", err)
		}
	}

	if _, err := ch.QueueDeclare(decl.Name, true, false, false, false, decl.Arguments); err != nil {
		return topologyError("queue", decl.Name, "declare", err)
	}

	if decl.Exchange != "" {
		key := decl.RoutingKey
		if key == "" {
			key = decl.Name
		}
		if err := ch.QueueBind(decl.Name, key, decl.Exchange, false, nil); err != nil {
			return topologyError("binding", decl.Name, "bind", err)
		}
	}
	return nil
}

// InspectQueue checks that a queue exists without creating it
func InspectQueue(ch Topology, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			err = ErrQueueNotFound
		}
		return amqp.Queue{}, topologyError("queue", name, "inspect", err)
	}
	return q, nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
