package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// testRelay is a websocket server that records what clients send and can
// push messages to the latest connection.
type testRelay struct {
	srv      *httptest.Server
	received chan Message
	mu       sync.Mutex
	conn     *websocket.Conn
	conns    int
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{received: make(chan Message, 16)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.conns++
		r.mu.Unlock()
		for {
			var m Message
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			r.received <- m
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) push(t *testing.T, v any) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func (r *testRelay) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn.Close()
}

func (r *testRelay) connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns
}

func (r *testRelay) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-r.received:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("relay received nothing")
		return Message{}
	}
}

func newTestClient(t *testing.T, url string) *WSClient {
	t.Helper()
	c, err := NewWSClient(Config{
		URL:                  url,
		PeerID:               "alice",
		MaxReconnectInterval: 100 * time.Millisecond,
		Logger:               logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewWSClient() error = %v", err)
	}
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })
	return c
}

func testRecord(t *testing.T) swap.Record {
	t.Helper()
	terms := swap.Terms{
		Symbol:            "ETH/BTC",
		Side:              swap.SideSell,
		Price:             0.05,
		Qty:               1,
		TimeStamp:         time.Now(),
		SoldCurrency:      "BTC",
		PurchasedCurrency: "ETH",
		SoldAmount:        5_000_000,
		PurchasedAmount:   1_000_000_000,
	}
	s, err := swap.New(3, terms, true, swap.HashHash256, swap.DefaultLockTimes(),
		swap.Party{ID: "alice", Address: "0xalice", RefundAddress: "bc1qalice", RewardForRedeem: 1000})
	if err != nil {
		t.Fatalf("swap.New() error = %v", err)
	}
	secret, _ := swap.CreateSecret()
	if err := s.SetSecretHash(swap.Commit(s.Scheme, secret)); err != nil {
		t.Fatalf("SetSecretHash() error = %v", err)
	}
	if err := s.SetSecret(secret); err != nil {
		t.Fatalf("SetSecret() error = %v", err)
	}
	s.UpdateRemote(func(p *swap.Party) { p.ID = "bob" })
	s.SetStatus(swap.StatusInitiated)
	return s.Record()
}

func TestNewWSClientValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no url", Config{PeerID: "alice"}},
		{"no peer id", Config{URL: "ws://localhost:1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewWSClient(tc.cfg); err == nil {
				t.Error("NewWSClient() should fail")
			}
		})
	}
}

func TestNotifySendsHelloThenMessage(t *testing.T) {
	relay := newTestRelay(t)
	c := newTestClient(t, relay.url())

	hello := relay.next(t)
	if hello.Type != TypeHello || hello.From != "alice" {
		t.Errorf("first message = %s from %s, want hello from alice", hello.Type, hello.From)
	}

	r := testRecord(t)
	if err := c.NotifyInitiate(context.Background(), r); err != nil {
		t.Fatalf("NotifyInitiate() error = %v", err)
	}
	m := relay.next(t)
	if m.Type != TypeInitiate {
		t.Errorf("Type = %s, want %s", m.Type, TypeInitiate)
	}
	if m.To != "bob" {
		t.Errorf("To = %s, want bob", m.To)
	}
	if m.Swap.SecretHash != r.SecretHash {
		t.Errorf("SecretHash = %s, want %s", m.Swap.SecretHash, r.SecretHash)
	}
	if m.Swap.Party.RewardForRedeem != 1000 {
		t.Errorf("Party.RewardForRedeem = %d, want 1000", m.Swap.Party.RewardForRedeem)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestMessagesNeverCarrySecret(t *testing.T) {
	r := testRecord(t)
	if r.Secret == "" {
		t.Fatal("test record should hold the secret")
	}
	data, err := json.Marshal(NewMessage(TypeStatus, "alice", r))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), r.Secret) {
		t.Error("encoded message contains the secret")
	}
}

func TestIncomingMessages(t *testing.T) {
	relay := newTestRelay(t)
	c := newTestClient(t, relay.url())
	relay.next(t) // hello

	relay.push(t, map[string]string{"type": "bogus"})
	relay.push(t, Message{Type: TypeStatus, From: "bob"}) // no secret hash
	want := NewMessage(TypeAccept, "bob", testRecord(t))
	relay.push(t, want)

	select {
	case got := <-c.Incoming():
		if got.ID != want.ID || got.Type != TypeAccept {
			t.Errorf("Incoming() = %s %s, want %s %s", got.Type, got.ID, want.Type, want.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no incoming message")
	}
}

func TestReconnectKeepsQueuedMessages(t *testing.T) {
	relay := newTestRelay(t)
	c := newTestClient(t, relay.url())
	relay.next(t) // hello

	relay.drop()
	deadline := time.Now().Add(5 * time.Second)
	for relay.connections() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if relay.connections() < 2 {
		t.Fatal("client did not reconnect")
	}
	relay.next(t) // hello again

	if err := c.NotifyStatus(context.Background(), testRecord(t)); err != nil {
		t.Fatalf("NotifyStatus() error = %v", err)
	}
	if m := relay.next(t); m.Type != TypeStatus {
		t.Errorf("Type = %s, want %s", m.Type, TypeStatus)
	}
}

func TestSendAfterClose(t *testing.T) {
	c, err := NewWSClient(Config{URL: "ws://127.0.0.1:1", PeerID: "alice", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewWSClient() error = %v", err)
	}
	c.Start(context.Background())
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.NotifyStatus(context.Background(), testRecord(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("NotifyStatus() error = %v, want ErrClosed", err)
	}
	if _, ok := <-c.Incoming(); ok {
		t.Error("Incoming() should be closed")
	}
}

func TestQueueFull(t *testing.T) {
	c, err := NewWSClient(Config{URL: "ws://127.0.0.1:1", PeerID: "alice", QueueSize: 1, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewWSClient() error = %v", err)
	}
	defer c.Close()
	r := testRecord(t)
	if err := c.NotifyStatus(context.Background(), r); err != nil {
		t.Fatalf("first NotifyStatus() error = %v", err)
	}
	if err := c.NotifyStatus(context.Background(), r); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second NotifyStatus() error = %v, want ErrQueueFull", err)
	}
}

func TestCounterpartyTerms(t *testing.T) {
	m := NewMessage(TypeInitiate, "alice", testRecord(t)).Swap
	got := m.CounterpartyTerms()
	if got.SoldCurrency != "ETH" || got.PurchasedCurrency != "BTC" {
		t.Errorf("currencies = %s->%s, want ETH->BTC", got.SoldCurrency, got.PurchasedCurrency)
	}
	if got.SoldAmount != 1_000_000_000 || got.PurchasedAmount != 5_000_000 {
		t.Errorf("amounts = %d->%d", got.SoldAmount, got.PurchasedAmount)
	}
	if got.Side != swap.SideBuy {
		t.Errorf("Side = %s, want %s", got.Side, swap.SideBuy)
	}
	if !got.TimeStamp.Equal(m.Terms.TimeStamp) {
		t.Error("TimeStamp changed")
	}
}

func TestValidate(t *testing.T) {
	good := NewMessage(TypeInitiate, "alice", testRecord(t))
	tests := []struct {
		name    string
		mutate  func(m *Message)
		wantErr bool
	}{
		{"valid", func(m *Message) {}, false},
		{"unknown type", func(m *Message) { m.Type = "order" }, true},
		{"hello is not a swap message", func(m *Message) { m.Type = TypeHello }, true},
		{"no sender", func(m *Message) { m.From = "" }, true},
		{"no hash", func(m *Message) { m.Swap.SecretHash = "" }, true},
		{"bad terms", func(m *Message) { m.Swap.Terms.SoldAmount = 0 }, true},
		{"status skips terms", func(m *Message) { m.Type = TypeStatus; m.Swap.Terms = swap.Terms{} }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := good
			tc.mutate(&m)
			err := m.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Validate() error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}
