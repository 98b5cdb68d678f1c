package notification

import (
	"context"
	"errors"
	"sync"
)

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To string
	Rendered
}

// MockEmailSender is a test double for EmailSender. FailTimes fails that
// many calls before succeeding; ShouldFail fails every call.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailTimes  int
	FailError  error
}

func (m *MockEmailSender) SendEmail(_ context.Context, to string, r Rendered) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Rendered: r})
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		return m.failure()
	}
	return nil
}

func (m *MockEmailSender) failure() error {
	if m.FailError != nil {
		return m.FailError
	}
	return &SendError{Provider: "mock-smtp", Err: errors.New("connection refused")}
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type SMSCall struct {
	To   string
	Text string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailTimes  int
	FailError  error
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Text: text})
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		if m.FailError != nil {
			return m.FailError
		}
		return &SendError{Provider: "mock-sms", Err: errors.New("gateway timeout")}
	}
	return nil
}

func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
