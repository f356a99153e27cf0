package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RequestHandler 处理一条探索请求。返回错误表示致命失败，消息被拒绝且不再入队。
type RequestHandler func(ctx context.Context, req *CrawlRequest) error

// Source 消息来源（*RabbitMQ 实现）
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	StartConnectionWatcher()
	ReconnectChan() <-chan bool
	Reconnect(ctx context.Context) error
}

// Consumer 单 worker 消费者：设备只有一个，请求逐条处理
type Consumer struct {
	mq      Source
	handler RequestHandler
	logger  *logrus.Logger

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	workerWg   sync.WaitGroup
	processed  int
}

// NewConsumer 创建消费者
func NewConsumer(mq Source, handler RequestHandler, logger *logrus.Logger) *Consumer {
	return &Consumer{mq: mq, handler: handler, logger: logger}
}

// Start 开始消费并监听重连
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorker(ctx); err != nil {
		return err
	}
	c.mq.StartConnectionWatcher()
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorker(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true
	c.workerWg.Add(1)
	go c.worker(workerCtx, msgs)

	c.logger.Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("Message channel closed")
				return
			}
			c.processMessage(ctx, msg)
		}
	}
}

// processMessage 处理单条消息：成功 ack；致命失败 nack 不入队；被取消时 nack 重新入队
func (c *Consumer) processMessage(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()

	var req CrawlRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal crawl request")
		delivery.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"section":    req.Section,
	})
	log.Info("Processing crawl request")

	err := c.handler(ctx, &req)

	c.mu.Lock()
	c.processed++
	c.mu.Unlock()

	switch {
	case err == nil:
		if ackErr := delivery.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("Failed to acknowledge message")
		}
		log.WithField("duration", time.Since(start).Round(time.Second).String()).Info("Crawl request completed")
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		log.Warn("Crawl request interrupted, requeueing")
		delivery.Nack(false, true)
	default:
		log.WithError(err).Error("Crawl request failed")
		delivery.Nack(false, false)
	}
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.ReconnectChan():
			if !ok {
				return
			}
			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorker()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.startWorker(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

func (c *Consumer) stopWorker() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	c.workerWg.Wait()
}

// Stop 停止消费者并等待当前请求结束
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorker()
	c.logger.Info("Consumer stopped")
}

// Processed 已处理的请求数
func (c *Consumer) Processed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}
