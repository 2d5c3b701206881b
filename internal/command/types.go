package command

import (
	"encoding/json"
	"net/http"
)

// Envelope is the uniform response shape of every command handler.
type Envelope struct {
	Success bool   `json:"success"`
	Content any    `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeContent(w http.ResponseWriter, status int, content any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Success: true, Content: content})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Success: false, Error: msg})
}

// SetLogLevelRequest is the JSON body for PUT /runs/{runid}/loglevel.
type SetLogLevelRequest struct {
	Level string `json:"level"`
}

// TriggerJobRequest is the JSON body for POST /runs/{runid}/jobs.
type TriggerJobRequest struct {
	FnRef          string         `json:"fn_ref"`
	Args           []any          `json:"args,omitempty"`
	Kwargs         map[string]any `json:"kwargs,omitempty"`
	Queue          string         `json:"queue,omitempty"`
	DependsOn      string         `json:"depends_on,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// InboxPostRequest is the JSON body for POST /runs/{runid}/inbox.
type InboxPostRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Body     string `json:"body"`
}

// IssueTokenRequest is the JSON body for POST /tokens.
type IssueTokenRequest struct {
	Subject          string         `json:"subject"`
	Scopes           []string       `json:"scopes,omitempty"`
	Runs             []string       `json:"runs,omitempty"`
	Audience         string         `json:"audience,omitempty"`
	ExpiresInSeconds int            `json:"expires_in_seconds,omitempty"`
	Tier             string         `json:"tier,omitempty"`
	Config           string         `json:"config,omitempty"`
	ExtraClaims      map[string]any `json:"extra_claims,omitempty"`
}
