package notification

import "sync"

// SentNotice records one delivered notice for test inspection.
type SentNotice struct {
	Type NoticeType
	To   string
	Data map[string]string
}

// MockNotifier captures notices instead of delivering them.
type MockNotifier struct {
	mu      sync.Mutex
	sent    []SentNotice
	failErr error
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// FailWith makes every subsequent Send return err. Pass nil to restore
// delivery.
func (m *MockNotifier) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MockNotifier) Send(noticeType NoticeType, notification NotificationData, _ NoticeTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.sent = append(m.sent, SentNotice{
		Type: noticeType,
		To:   notification.To,
		Data: notification.Data,
	})
	return nil
}

// Sent returns a copy of all captured notices.
func (m *MockNotifier) Sent() []SentNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentNotice, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastTo returns the most recent notice sent to the given recipient, if any.
func (m *MockNotifier) LastTo(to string) (SentNotice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].To == to {
			return m.sent[i], true
		}
	}
	return SentNotice{}, false
}
