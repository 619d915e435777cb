package comfy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// OutputFile locates one artifact produced on the backend
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the artifacts a single graph node produced
type NodeOutput struct {
	Images []OutputFile `json:"images,omitempty"`
	Videos []OutputFile `json:"videos,omitempty"`
	GIFs   []OutputFile `json:"gifs,omitempty"`
}

// HistoryEntry is the backend's post-execution record for one prompt
type HistoryEntry struct {
	Completed bool
	Outputs   map[string]NodeOutput
	Error     string
}

// historyStatus mirrors the status block of a raw history record. Messages
// are positional pairs of [event_name, event_data].
type historyStatus struct {
	StatusStr string              `json:"status_str"`
	Completed bool                `json:"completed"`
	Messages  [][]json.RawMessage `json:"messages"`
}

type historyRecord struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  historyStatus         `json:"status"`
}

// History fetches the execution record for a handle. A nil entry with nil
// error means the backend has no record of the handle yet.
func (c *Client) History(handle string) (*HistoryEntry, error) {
	body, err := c.request(http.MethodGet, "/history/"+handle, nil)
	if err != nil {
		return nil, err
	}

	var records map[string]historyRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("error parsing history response: %w", err)
	}

	rec, ok := records[handle]
	if !ok {
		return nil, nil
	}

	entry := &HistoryEntry{
		Completed: rec.Status.Completed || rec.Status.StatusStr == "success",
		Outputs:   rec.Outputs,
	}
	if rec.Status.StatusStr == "error" {
		entry.Completed = false
		entry.Error = extractError(rec.Status)
	}
	return entry, nil
}

// extractError digs the exception message out of the status message stream,
// falling back to the bare status string.
func extractError(status historyStatus) string {
	for _, msg := range status.Messages {
		if len(msg) < 2 {
			continue
		}
		var name string
		if err := json.Unmarshal(msg[0], &name); err != nil || name != "execution_error" {
			continue
		}
		var detail struct {
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(msg[1], &detail); err == nil && detail.ExceptionMessage != "" {
			if detail.NodeType != "" {
				return fmt.Sprintf("%s: %s", detail.NodeType, detail.ExceptionMessage)
			}
			return detail.ExceptionMessage
		}
	}
	return "execution failed with status " + status.StatusStr
}

// FileNames flattens every artifact in the entry to its filename, in stable
// node-id order.
func (h *HistoryEntry) FileNames() []string {
	if h == nil || len(h.Outputs) == 0 {
		return nil
	}

	nodes := make([]string, 0, len(h.Outputs))
	for node := range h.Outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var names []string
	for _, node := range nodes {
		out := h.Outputs[node]
		for _, f := range out.Images {
			names = append(names, f.Filename)
		}
		for _, f := range out.Videos {
			names = append(names, f.Filename)
		}
		for _, f := range out.GIFs {
			names = append(names, f.Filename)
		}
	}
	return names
}

// Files flattens every artifact in the entry, in stable node-id order.
func (h *HistoryEntry) Files() []OutputFile {
	if h == nil || len(h.Outputs) == 0 {
		return nil
	}

	nodes := make([]string, 0, len(h.Outputs))
	for node := range h.Outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var files []OutputFile
	for _, node := range nodes {
		out := h.Outputs[node]
		files = append(files, out.Images...)
		files = append(files, out.Videos...)
		files = append(files, out.GIFs...)
	}
	return files
}
