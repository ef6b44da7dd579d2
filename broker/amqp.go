package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel 是会话用到的 AMQP 通道子集；*amqp.Channel 直接满足
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Connection 到 broker 的连接
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Dialer 建立连接；DialAMQP 与 (*Memory).Dial 均满足
type Dialer func(url string) (Connection, error)

// DialAMQP 通过 amqp091-go 连接真实 RabbitMQ
func DialAMQP(url string) (Connection, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{c}, nil
}

type amqpConn struct{ c *amqp.Connection }

func (a amqpConn) Channel() (Channel, error) {
	ch, err := a.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a amqpConn) Close() error { return a.c.Close() }
