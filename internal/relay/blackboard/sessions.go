package blackboard

import (
	"time"

	"github.com/danshapiro/relay/internal/relay/runtime"
)

// Sessions is the persisted sessions.json: the dispatcher session survives
// across iterations; the worker session does not.
type Sessions struct {
	Iteration           int    `json:"iteration"`
	DispatcherSessionID string `json:"dispatcher_session_id,omitempty"`
	DispatcherTokens    int    `json:"dispatcher_context_tokens,omitempty"`
	UpdatedAt           string `json:"updated_at,omitempty"`
}

// LoadSessions returns the zero value when sessions.json is absent.
func (b *Board) LoadSessions() (Sessions, error) {
	var s Sessions
	if !b.Exists(SessionsFile) {
		return s, nil
	}
	err := runtime.ReadJSONFile(b.Path(SessionsFile), &s)
	return s, err
}

func (b *Board) SaveSessions(s Sessions) error {
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return b.WriteJSON(SessionsFile, s)
}
