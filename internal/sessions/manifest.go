package sessions

import "time"

// Roles recorded in session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Input describes the file uploaded when the session was created.
type Input struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	Path        string `json:"path"`
	URI         string `json:"uri"`
}

// HistoryEntry is one turn element of a session.
type HistoryEntry struct {
	Time   time.Time `json:"time"`
	Role   string    `json:"role"`
	Text   string    `json:"text,omitempty"`
	Tool   string    `json:"tool,omitempty"`
	JobID  string    `json:"job_id,omitempty"`
	Status string    `json:"status,omitempty"`
}

// Asset is a file kept in the session's asset tree.
type Asset struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	JobID    string `json:"job_id,omitempty"`
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
}

// Manifest is the persisted state of a session.
type Manifest struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Input     Input          `json:"input"`
	History   []HistoryEntry `json:"history"`
	Assets    []Asset        `json:"assets"`
	Turns     int            `json:"turns"`
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	clone := *m
	clone.History = append([]HistoryEntry{}, m.History...)
	clone.Assets = append([]Asset{}, m.Assets...)
	return &clone
}

// LastAssistantText returns the most recent assistant reply, or "".
func (m *Manifest) LastAssistantText() string {
	for i := len(m.History) - 1; i >= 0; i-- {
		if m.History[i].Role == RoleAssistant {
			return m.History[i].Text
		}
	}
	return ""
}
