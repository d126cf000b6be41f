package testutil

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/vigil/internal/transcript"
)

// MockTranscript is a thread-safe transcript.Source over a fixed message list.
type MockTranscript struct {
	mu sync.Mutex

	Messages []transcript.Message
	FetchErr error
	Fetches  int
}

func NewMockTranscript(msgs ...transcript.Message) *MockTranscript {
	return &MockTranscript{Messages: msgs}
}

func (m *MockTranscript) Fetch(_ context.Context, orgID, phone string) (transcript.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fetches++
	if m.FetchErr != nil {
		return transcript.Transcript{}, m.FetchErr
	}
	msgs := make([]transcript.Message, len(m.Messages))
	copy(msgs, m.Messages)
	return transcript.Transcript{ConversationID: transcript.ConversationID(orgID, phone), Messages: msgs}, nil
}

// Add appends messages that later fetches will return.
func (m *MockTranscript) Add(msgs ...transcript.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, msgs...)
}

func (m *MockTranscript) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fetches
}
