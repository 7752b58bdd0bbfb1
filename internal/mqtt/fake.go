package mqtt

import "sync"

// Published is one message recorded by FakeBus.
type Published struct {
	Topic   string
	Payload []byte
	Opts    PublishOptions
}

// FakeBus records bus calls for test assertions. Safe for concurrent use.
type FakeBus struct {
	mu sync.Mutex

	connected    bool
	subscribed   map[string]bool
	subCalls     []string
	unsubCalls   []string
	published    []Published
	publishErr   error
	subscribeErr map[string]error
	closed       bool

	messages chan Message
}

// NewFakeBus creates a connected FakeBus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		connected:    true,
		subscribed:   make(map[string]bool),
		subscribeErr: make(map[string]error),
		messages:     make(chan Message, 64),
	}
}

// SetConnected controls IsConnected; while false every command fails with ErrNotConnected.
// Disconnecting drops all broker-side subscriptions, like a clean session.
func (f *FakeBus) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
	if !connected {
		f.subscribed = make(map[string]bool)
	}
}

// SetPublishError makes Publish fail with err (nil clears it).
func (f *FakeBus) SetPublishError(err error) {
	f.mu.Lock()
	f.publishErr = err
	f.mu.Unlock()
}

// SetSubscribeError makes Subscribe(topic) fail with err (nil clears it).
func (f *FakeBus) SetSubscribeError(topic string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.subscribeErr, topic)
		return
	}
	f.subscribeErr[topic] = err
}

// IsConnected reports the fake connection state.
func (f *FakeBus) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Publish records the message.
func (f *FakeBus) Publish(topic string, payload []byte, opts PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, Published{Topic: topic, Payload: append([]byte(nil), payload...), Opts: opts})
	return nil
}

// Subscribe records the call.
func (f *FakeBus) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls = append(f.subCalls, topic)
	if !f.connected {
		return ErrNotConnected
	}
	if err := f.subscribeErr[topic]; err != nil {
		return err
	}
	f.subscribed[topic] = true
	return nil
}

// Unsubscribe records the call.
func (f *FakeBus) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls = append(f.unsubCalls, topic)
	if !f.connected {
		return ErrNotConnected
	}
	delete(f.subscribed, topic)
	return nil
}

// Messages returns the stream fed by Deliver.
func (f *FakeBus) Messages() <-chan Message {
	return f.messages
}

// Deliver simulates an inbound message.
func (f *FakeBus) Deliver(topic string, payload []byte) {
	f.messages <- Message{Topic: topic, Payload: payload}
}

// Close marks the bus as closed.
func (f *FakeBus) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeBus) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Subscribed reports whether topic is currently subscribed on the fake broker.
func (f *FakeBus) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[topic]
}

// SubscribeCalls returns every topic passed to Subscribe, in order.
func (f *FakeBus) SubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subCalls...)
}

// UnsubscribeCalls returns every topic passed to Unsubscribe, in order.
func (f *FakeBus) UnsubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubCalls...)
}

// Published returns every message recorded by Publish.
func (f *FakeBus) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}

// Reset clears recorded calls but keeps connection and subscription state.
func (f *FakeBus) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls = nil
	f.unsubCalls = nil
	f.published = nil
	f.publishErr = nil
}

var _ Bus = (*FakeBus)(nil)
