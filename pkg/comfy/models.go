package comfy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// AvailableModels asks the backend which checkpoint files its loader can
// see. The response nests the list inside the loader's input schema.
func (c *Client) AvailableModels() ([]string, error) {
	body, err := c.request(http.MethodGet, "/object_info/CheckpointLoaderSimple", nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing object info: %w", err)
	}

	info, ok := raw["CheckpointLoaderSimple"]
	if !ok {
		return nil, fmt.Errorf("backend object info missing checkpoint loader")
	}

	// required.ckpt_name is [<name list>, <options>]; the first slot holds
	// the actual filenames.
	slots, ok := info.Input.Required["ckpt_name"]
	if !ok || len(slots) == 0 {
		return nil, nil
	}

	var names []string
	if err := json.Unmarshal(slots[0], &names); err != nil {
		return nil, fmt.Errorf("error parsing checkpoint names: %w", err)
	}
	return names, nil
}

// FetchOutput downloads the bytes of a produced artifact.
func (c *Client) FetchOutput(file OutputFile) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", file.Filename)
	if file.Subfolder != "" {
		q.Set("subfolder", file.Subfolder)
	}
	if file.Type != "" {
		q.Set("type", file.Type)
	}
	return c.request(http.MethodGet, "/view?"+q.Encode(), nil)
}
