package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockDB is a thread-safe dbverify.Client that answers queries by substring.
type MockDB struct {
	mu sync.Mutex

	// Responses maps a SQL fragment to the tuple output returned when a
	// query contains it. The first matching fragment in Order wins.
	Responses map[string]string
	Order     []string
	QueryErr  error

	Queries []string
	Closed  bool
}

func NewMockDB() *MockDB {
	return &MockDB{Responses: make(map[string]string)}
}

// On registers the output for queries containing fragment.
func (m *MockDB) On(fragment, output string) *MockDB {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Responses[fragment]; !ok {
		m.Order = append(m.Order, fragment)
	}
	m.Responses[fragment] = output
	return m
}

func (m *MockDB) Name() string { return "mock" }

func (m *MockDB) Query(_ context.Context, sql string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, sql)
	if m.QueryErr != nil {
		return "", m.QueryErr
	}
	for _, frag := range m.Order {
		if strings.Contains(sql, frag) {
			return m.Responses[frag], nil
		}
	}
	return "", nil
}

func (m *MockDB) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
}

// QueryCount returns how many queries were issued.
func (m *MockDB) QueryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Queries)
}

// LastQuery returns the most recent SQL, or an error when none ran.
func (m *MockDB) LastQuery() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Queries) == 0 {
		return "", fmt.Errorf("no queries recorded")
	}
	return m.Queries[len(m.Queries)-1], nil
}
