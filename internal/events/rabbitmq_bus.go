package events

import (
	"context"

	xerrors "AgentVault/internal/errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQBus 把状态变更事件投递到 RabbitMQ，供外围系统消费。
type RabbitMQBus struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQBus 建立连接并声明事件队列。
func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitialization, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "vault.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQBus{conn: conn, ch: ch, queue: queue}, nil
}

// Emit 实现 Bus 接口。
func (b *RabbitMQBus) Emit(ctx context.Context, ev Event) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeInitialization, "RabbitMQ 事件总线未初始化")
	}
	body, err := marshalEvent(&ev)
	if err != nil {
		return err
	}
	if err := b.ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeEventPublish, err, "发布事件失败")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Bus = (*RabbitMQBus)(nil)
