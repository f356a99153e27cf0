package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Publisher 底层发布接口（*RabbitMQ 实现）
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq       Publisher
	exchange string
	queue    string
	logger   *logrus.Logger
}

// NewProducer 创建生产者。exchange 接收运行事件，queue 接收探索请求。
func NewProducer(mq Publisher, exchange, queue string, logger *logrus.Logger) *Producer {
	return &Producer{mq: mq, exchange: exchange, queue: queue, logger: logger}
}

// PublishEvent 发布运行事件，routing key 为事件类型
func (p *Producer) PublishEvent(ctx context.Context, evt *RunEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.mq.Publish(ctx, p.exchange, string(evt.Type), body); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"run_id": evt.RunID,
			"type":   evt.Type,
		}).Error("Failed to publish event")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"run_id": evt.RunID,
		"type":   evt.Type,
	}).Debug("Event published")
	return nil
}

// PublishRequest 把探索请求放入队列
func (p *Producer) PublishRequest(ctx context.Context, req *CrawlRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := p.mq.Publish(ctx, "", p.queue, body); err != nil {
		p.logger.WithError(err).WithField("request_id", req.RequestID).Error("Failed to publish request")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"section":    req.Section,
	}).Info("Crawl request published to queue")
	return nil
}
