package comfy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// PromptRequest is the submission envelope for a workflow graph
type PromptRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id,omitempty"`
}

// PromptResponse acknowledges an accepted submission
type PromptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors,omitempty"`
}

// SubmitPrompt queues a workflow for execution and returns the backend's
// handle for it. Submission is not idempotent: a retry enqueues a second
// run, so only higher-level recovery logic may resubmit, and always with a
// freshly built workflow.
func (c *Client) SubmitPrompt(workflow Workflow) (string, error) {
	payload := PromptRequest{Prompt: workflow, ClientID: c.clientID}

	body, err := c.request(http.MethodPost, "/prompt", payload)
	if err != nil {
		return "", err
	}

	var resp PromptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("error parsing prompt response: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("backend accepted prompt but returned no prompt id")
	}

	log.Info().
		Str("prompt_id", resp.PromptID).
		Int("queue_number", resp.Number).
		Msg("Workflow submitted to backend")

	return resp.PromptID, nil
}
