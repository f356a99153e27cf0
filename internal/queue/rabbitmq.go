package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/config"
	"github.com/sphh12/appium-public/internal/retry"
)

// RabbitMQ 客户端：一个请求队列（worker 消费）和一个 topic exchange（运行事件）
type RabbitMQ struct {
	cfg    *config.RabbitMQConfig
	retry  *retry.Config
	logger *logrus.Logger

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
	reconnect     chan bool
}

const heartbeat = 10 * time.Second

// NewRabbitMQ 连接并声明队列与 exchange
func NewRabbitMQ(cfg *config.RabbitMQConfig, logger *logrus.Logger) (*RabbitMQ, error) {
	mq := &RabbitMQ{
		cfg: cfg,
		retry: &retry.Config{
			MaxAttempts:     10,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Strategy:        retry.StrategyLinear,
			Logger:          logger,
			Op:              "rabbitmq_reconnect",
		},
		logger:    logger,
		reconnect: make(chan bool, 1),
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(mq.cfg.URL(), amqp.Config{Heartbeat: heartbeat, Locale: "en_US"})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := mq.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	mq.mu.Lock()
	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))
	mq.mu.Unlock()

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.cfg.Host,
		"queue":    mq.cfg.Queue,
		"exchange": mq.cfg.Exchange,
	}).Info("Connected to RabbitMQ")
	return nil
}

// declare 设备同一时刻只能跑一次探索，prefetch 固定为 1
func (mq *RabbitMQ) declare(ch *amqp.Channel) error {
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(mq.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", mq.cfg.Queue, err)
	}
	if mq.cfg.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(mq.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", mq.cfg.Exchange, err)
	}
	return nil
}

// StartConnectionWatcher 监听 Connection / Channel 关闭事件，直到主动关闭
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var err *amqp.Error
			var ok bool
			select {
			case err, ok = <-connNotify:
			case err, ok = <-channelNotify:
			}
			if !ok && mq.isClosed() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}
			mq.triggerReconnect()

			// 等待重连完成后再监听新的通知通道
			for !mq.isClosed() && !mq.IsConnected() {
				time.Sleep(time.Second)
			}
		}
	}()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 丢弃旧连接后按线性间隔重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()
	err := retry.Do(ctx, mq.retry, func(ctx context.Context) error {
		if mq.isClosed() {
			return retry.NewNonRetryableError(fmt.Errorf("client closed"))
		}
		return mq.connect()
	})
	if err != nil {
		return err
	}
	mq.logger.Info("Successfully reconnected to RabbitMQ")
	return nil
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化 JSON 消息。exchange 为空时 key 即队列名。
func (mq *RabbitMQ) Publish(ctx context.Context, exchange, key string, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	return ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费请求队列
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("channel is nil")
	}

	msgs, err := ch.Consume(mq.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 请求队列中等待的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, fmt.Errorf("channel is nil")
	}

	q, err := ch.QueueDeclarePassive(mq.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// ReconnectChan 重连信号
func (mq *RabbitMQ) ReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
