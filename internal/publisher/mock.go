package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one publish seen by a MockPublisher.
type Message struct {
	Topic   string
	Payload []byte
}

// Fields decodes a payload written by Broadcaster.
func (m Message) Fields() (map[string]string, error) {
	var fields map[string]string
	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding payload on %s: %w", m.Topic, err)
	}
	return fields, nil
}

// MockPublisher stands in for the MQTT broker in pipeline tests. It keeps
// every publish in order.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of everything published so far.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Topics returns the topic of each publish, in order.
func (m *MockPublisher) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, len(m.messages))
	for i, msg := range m.messages {
		topics[i] = msg.Topic
	}
	return topics
}

// MessagesOn returns the publishes to topic, for example every
// registration change under {prefix}/registration.
func (m *MockPublisher) MessagesOn(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError makes Publish fail with err, as a dropped broker connection
// would. nil restores normal behavior.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
