package agent

import "encoding/json"

type runRequest struct {
	AssistantID  string `json:"assistant_id"`
	Thread       thread `json:"thread"`
	Tools        []tool `json:"tools,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type thread struct {
	Messages []threadMessage `json:"messages"`
}

type threadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type runObject struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

type messageList struct {
	HasMore bool   `json:"has_more"`
	LastID  string `json:"last_id"`
	Data    []struct {
		ID      string `json:"id"`
		RunID   string `json:"run_id"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}
