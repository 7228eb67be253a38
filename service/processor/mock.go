package processor

import (
	"context"
	"sync"
)

// MockClient is a mock payment processor for testing. Each method delegates
// to its corresponding function field, falling back to a zero-value success.
// Call counts are tracked so tests can assert at-most-once charge behavior.
type MockClient struct {
	mu sync.Mutex

	TokenizeFunc        func(ctx context.Context, card CardDetails) (*Token, error)
	ChargeFunc          func(ctx context.Context, params ChargeParams) (*Charge, error)
	GetChargeStatusFunc func(ctx context.Context, reference string) (*Charge, error)

	tokenizeCalls  int
	chargeCalls    []ChargeParams
	getStatusCalls []string
}

// NewMockClient creates a new mock processor client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Tokenize delegates to TokenizeFunc.
func (m *MockClient) Tokenize(ctx context.Context, card CardDetails) (*Token, error) {
	m.mu.Lock()
	m.tokenizeCalls++
	m.mu.Unlock()

	if m.TokenizeFunc != nil {
		return m.TokenizeFunc(ctx, card)
	}
	return &Token{ID: "tok_mock", Brand: "visa", Last4: "4242", ExpMonth: card.ExpMonth, ExpYear: card.ExpYear}, nil
}

// Charge delegates to ChargeFunc.
func (m *MockClient) Charge(ctx context.Context, params ChargeParams) (*Charge, error) {
	m.mu.Lock()
	m.chargeCalls = append(m.chargeCalls, params)
	m.mu.Unlock()

	if m.ChargeFunc != nil {
		return m.ChargeFunc(ctx, params)
	}
	return &Charge{ID: "ch_mock", Status: ChargeSucceeded}, nil
}

// GetChargeStatus delegates to GetChargeStatusFunc.
func (m *MockClient) GetChargeStatus(ctx context.Context, reference string) (*Charge, error) {
	m.mu.Lock()
	m.getStatusCalls = append(m.getStatusCalls, reference)
	m.mu.Unlock()

	if m.GetChargeStatusFunc != nil {
		return m.GetChargeStatusFunc(ctx, reference)
	}
	return nil, ErrChargeNotFound
}

// TokenizeCalls returns the number of Tokenize invocations.
func (m *MockClient) TokenizeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenizeCalls
}

// ChargeCalls returns a copy of all Charge invocations.
func (m *MockClient) ChargeCalls() []ChargeParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]ChargeParams, len(m.chargeCalls))
	copy(calls, m.chargeCalls)
	return calls
}

// GetChargeStatusCalls returns a copy of all GetChargeStatus invocations.
func (m *MockClient) GetChargeStatusCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]string, len(m.getStatusCalls))
	copy(calls, m.getStatusCalls)
	return calls
}
