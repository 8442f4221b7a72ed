package cooker

import (
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/sousvide-ble/internal/ble/protocol"
)

// fakeChar is a characteristic that records decoded writes and can answer
// them with canned notifications.
type fakeChar struct {
	codec protocol.Codec

	mu           sync.Mutex
	writes       []string
	callback     func([]byte)
	writeErr     error
	replies      map[string]string
	unsubscribed bool
}

func newFakeChar(replies map[string]string) *fakeChar {
	return &fakeChar{codec: protocol.NewCodec(protocol.EncodingRaw), replies: replies}
}

func (c *fakeChar) UUID() string { return "0000ffe1-0000-1000-8000-00805f9b34fb" }

func (c *fakeChar) Write(data []byte, _ bool) error {
	c.mu.Lock()
	if c.writeErr != nil {
		c.mu.Unlock()
		return c.writeErr
	}
	cmd, _ := c.codec.Decode(data)
	c.writes = append(c.writes, cmd)
	reply, ok := c.replies[cmd]
	cb := c.callback
	c.mu.Unlock()

	if ok && cb != nil {
		go cb(c.codec.Encode(reply))
	}
	return nil
}

func (c *fakeChar) Subscribe(cb func([]byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.callback = nil
		c.unsubscribed = true
	}, nil
}

// SimulateNotification delivers a reply line to the subscriber.
func (c *fakeChar) SimulateNotification(reply string) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(c.codec.Encode(reply))
	}
}

func (c *fakeChar) setReplies(replies map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = replies
}

func (c *fakeChar) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeChar) writeLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeChar) isUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
