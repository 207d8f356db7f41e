package streamfeed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
	closed bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, nil, errors.New("closed")
	}
	if f.idx >= len(f.frames) {
		// Block briefly instead of busy-spinning once frames are exhausted.
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
		if f.closed {
			return 0, nil, errors.New("closed")
		}
		return 0, nil, errors.New("no more frames")
	}
	frame := f.frames[f.idx]
	f.idx++
	return 1, frame, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func TestClientDispatchesNormalizedTrade(t *testing.T) {
	frame := buildTradeFrame(7, 1, 1_700_000_000_000, 1, 100, 0, 1, 0, false, "btcusdt")
	conn := &fakeConn{frames: [][]byte{frame}}
	dialer := &fakeDialer{conn: conn}

	var received []string
	var mu sync.Mutex
	handler := func(messageType string, record interface{}) {
		mu.Lock()
		received = append(received, messageType)
		mu.Unlock()
	}

	client := NewClient(dialer, Config{
		BaseURL: "wss://example",
		Streams: []string{"btcusdt@trade"},
		Schema:  SchemaConfig{SchemaID: 7, Version: 1, Strict: true},
	}, handler)
	client.sleep = func(time.Duration) {}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	client.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 || received[0] != "trade" {
		t.Fatalf("received = %v, want at least one trade dispatch", received)
	}
}

func TestClientHealthUnhealthyBeforeConnect(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("dial refused")}
	client := NewClient(dialer, Config{BaseURL: "wss://example", Schema: SchemaConfig{SchemaID: 1, Version: 1}}, func(string, interface{}) {})

	h := client.HealthCheck(context.Background())
	if h.Status != "unhealthy" {
		t.Fatalf("Status = %v, want unhealthy before first connect", h.Status)
	}
}
