package events

import (
	"encoding/json"
	"fmt"
	"kiln/internal/model"
	"kiln/internal/rabbitmq"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// ExchangeKind is the exchange type progress events flow through. Topic
// routing lets consumers bind to one job kind or all of them.
const ExchangeKind = "topic"

// Publisher fans job lifecycle events out to the broker so sibling services
// can follow generation progress without polling our API.
type Publisher struct {
	client   rabbitmq.Client
	exchange string
}

// NewPublisher declares the exchange and returns a publisher bound to it.
func NewPublisher(client rabbitmq.Client, exchange string) (*Publisher, error) {
	if err := client.DeclareExchange(exchange, ExchangeKind); err != nil {
		return nil, fmt.Errorf("failed to declare events exchange: %w", err)
	}

	log.Info().Str("exchange", exchange).Msg("Events publisher ready")

	return &Publisher{
		client:   client,
		exchange: exchange,
	}, nil
}

// PublishProgress emits one monitoring snapshot under job.progress.<kind>.
func (p *Publisher) PublishProgress(kind model.JobKind, update model.ProgressUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode progress update: %w", err)
	}

	routingKey := fmt.Sprintf("job.progress.%s", kind)
	headers := amqp.Table{
		"job_id": update.JobID,
		"phase":  string(update.Phase),
	}

	return p.client.Publish(p.exchange, routingKey, body, headers)
}

// PublishResult emits the terminal record for a job under job.result.<kind>.
func (p *Publisher) PublishResult(kind model.JobKind, result model.JobResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	routingKey := fmt.Sprintf("job.result.%s", kind)
	headers := amqp.Table{
		"job_id":  result.JobID,
		"success": result.Success,
	}

	return p.client.Publish(p.exchange, routingKey, body, headers)
}
