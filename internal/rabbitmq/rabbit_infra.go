package rabbitmq

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// DeclareExchange creates the topic exchange progress events flow through.
func (c *client) DeclareExchange(name, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Connection check and auto-reconnect
	if c.conn == nil || c.channel == nil || c.conn.IsClosed() {
		if err := c.connect(); err != nil {
			return fmt.Errorf("failed to reconnect before declaring exchange: %w", err)
		}

		// Re-setup the reconnect hooks
		c.setupReconnect()
	}

	err := c.channel.ExchangeDeclare(
		name,  // name
		kind,  // type
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		log.Error().Err(err).Str("exchange", name).Msg("Failed to declare exchange")
		return err
	}

	log.Info().Str("exchange", name).Str("type", kind).Msg("Declared exchange")
	return nil
}

// Queue declaration and binding stay with the consuming services; this side
// only guarantees the exchange exists before publishing into it.
