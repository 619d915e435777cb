package comfy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// queueEntry decodes the positional array the backend uses for queue items:
// [number, prompt_id, prompt, extra_data, outputs_to_execute]. Only the
// first two positions matter to us.
type queueEntry struct {
	Number   int
	PromptID string
}

func (e *queueEntry) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if len(fields) < 2 {
		return fmt.Errorf("queue entry has %d fields, want at least 2", len(fields))
	}
	if err := json.Unmarshal(fields[0], &e.Number); err != nil {
		return fmt.Errorf("error parsing queue entry number: %w", err)
	}
	if err := json.Unmarshal(fields[1], &e.PromptID); err != nil {
		return fmt.Errorf("error parsing queue entry prompt id: %w", err)
	}
	return nil
}

// QueueState is the backend's live queue snapshot reduced to handles
type QueueState struct {
	Running []string `json:"running"`
	Pending []string `json:"pending"`
}

// Has reports whether handle appears anywhere in the snapshot.
func (q *QueueState) Has(handle string) bool {
	for _, h := range q.Running {
		if h == handle {
			return true
		}
	}
	for _, h := range q.Pending {
		if h == handle {
			return true
		}
	}
	return false
}

// QueueStatus fetches the backend queue snapshot.
func (c *Client) QueueStatus() (*QueueState, error) {
	body, err := c.request(http.MethodGet, "/queue", nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Running []queueEntry `json:"queue_running"`
		Pending []queueEntry `json:"queue_pending"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing queue response: %w", err)
	}

	state := &QueueState{
		Running: make([]string, 0, len(raw.Running)),
		Pending: make([]string, 0, len(raw.Pending)),
	}
	for _, e := range raw.Running {
		state.Running = append(state.Running, e.PromptID)
	}
	for _, e := range raw.Pending {
		state.Pending = append(state.Pending, e.PromptID)
	}
	return state, nil
}

// Cancel removes a pending prompt from the backend queue. Prompts already
// executing are untouched; use Interrupt for those.
func (c *Client) Cancel(handle string) bool {
	payload := map[string]any{"delete": []string{handle}}
	if _, err := c.request(http.MethodPost, "/queue", payload); err != nil {
		log.Error().Err(err).Str("handle", handle).Msg("Error cancelling queued prompt")
		return false
	}
	log.Info().Str("handle", handle).Msg("Cancelled queued prompt")
	return true
}

// ClearQueue drops every pending prompt on the backend.
func (c *Client) ClearQueue() bool {
	payload := map[string]any{"clear": true}
	if _, err := c.request(http.MethodPost, "/queue", payload); err != nil {
		log.Error().Err(err).Msg("Error clearing backend queue")
		return false
	}
	log.Info().Msg("Backend queue cleared")
	return true
}

// Interrupt stops whatever the backend is currently executing.
func (c *Client) Interrupt() error {
	if _, err := c.request(http.MethodPost, "/interrupt", nil); err != nil {
		return fmt.Errorf("error interrupting execution: %w", err)
	}
	return nil
}
