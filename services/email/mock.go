package emailsvc

import (
	"errors"
	"strings"
	"sync"

	"github.com/trezcool/darasa/core"
)

var errDeliveryFailed = errors.New("email delivery failed")

// MockService records messages for tests; deliveries to addresses in FailFor
// fail so the batch skip policy can be exercised.
type MockService struct {
	mu           sync.Mutex
	SentMessages []core.EmailMessage
	FailFor      map[string]bool
}

var _ core.EmailService = (*MockService)(nil)

func NewMockService() *MockService {
	return &MockService{FailFor: make(map[string]bool)}
}

func (svc *MockService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		// run synchronously
		_ = svc.Send(msg)
	}
}

func (svc *MockService) Send(msg *core.EmailMessage) error {
	for _, to := range msg.To {
		if svc.FailFor[strings.ToLower(to.Address)] {
			return errDeliveryFailed
		}
	}
	svc.mu.Lock()
	svc.SentMessages = append(svc.SentMessages, *msg)
	svc.mu.Unlock()
	return nil
}
