package mqtt

import (
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type publish struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type subscribe struct {
	topic   string
	qos     byte
	handler paho.MessageHandler
}

// fakeBroker stands in for the paho client. Publish results are popped from
// failures, one per call, then succeed.
type fakeBroker struct {
	mu       sync.Mutex
	opts     *paho.ClientOptions
	subs     []subscribe
	pubs     []publish
	failures []error
}

// useFakeBroker routes NewPahoClient to fb for the duration of the test.
func useFakeBroker(t *testing.T, fb *fakeBroker) {
	t.Helper()
	prev := newMQTTClient
	newMQTTClient = func(o *paho.ClientOptions) pahoClient {
		fb.opts = o
		return fb
	}
	t.Cleanup(func() { newMQTTClient = prev })
}

func (fb *fakeBroker) subscriptions() []subscribe {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]subscribe(nil), fb.subs...)
}

func (fb *fakeBroker) publications() []publish {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]publish(nil), fb.pubs...)
}

// deliver hands payload to every handler subscribed with pattern.
func (fb *fakeBroker) deliver(pattern, topic string, payload []byte) {
	for _, s := range fb.subscriptions() {
		if s.topic == pattern {
			s.handler(fb, pahoMessage{topic: topic, payload: payload})
		}
	}
}

func (fb *fakeBroker) Connect() paho.Token {
	if fb.opts != nil && fb.opts.OnConnect != nil {
		fb.opts.OnConnect(fb)
	}
	return token{}
}

func (fb *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	b, _ := payload.([]byte)
	fb.pubs = append(fb.pubs, publish{topic: topic, qos: qos, retained: retained, payload: b})
	if len(fb.failures) == 0 {
		return token{}
	}
	err := fb.failures[0]
	fb.failures = fb.failures[1:]
	return token{err: err}
}

func (fb *fakeBroker) Subscribe(topic string, qos byte, h paho.MessageHandler) paho.Token {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.subs = append(fb.subs, subscribe{topic: topic, qos: qos, handler: h})
	return token{}
}

func (fb *fakeBroker) IsConnected() bool                       { return true }
func (fb *fakeBroker) IsConnectionOpen() bool                  { return true }
func (fb *fakeBroker) Disconnect(uint)                         {}
func (fb *fakeBroker) Unsubscribe(...string) paho.Token        { return token{} }
func (fb *fakeBroker) AddRoute(string, paho.MessageHandler)    {}
func (fb *fakeBroker) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (fb *fakeBroker) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return token{}
}

// token is an already completed paho token.
type token struct{ err error }

func (t token) Wait() bool                     { return true }
func (t token) WaitTimeout(time.Duration) bool { return true }
func (t token) Error() error                   { return t.err }
func (t token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type pahoMessage struct {
	topic   string
	payload []byte
}

func (m pahoMessage) Duplicate() bool   { return false }
func (m pahoMessage) Qos() byte         { return 1 }
func (m pahoMessage) Retained() bool    { return false }
func (m pahoMessage) Topic() string     { return m.topic }
func (m pahoMessage) MessageID() uint16 { return 0 }
func (m pahoMessage) Payload() []byte   { return m.payload }
func (m pahoMessage) Ack()              {}
