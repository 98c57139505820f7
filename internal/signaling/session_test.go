package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/janus-adapter/internal/core"
)

// sinkRecorder captures outbound frames as decoded JSON objects.
type sinkRecorder struct {
	frames chan map[string]any
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{frames: make(chan map[string]any, 16)}
}

func (r *sinkRecorder) sink(f core.Frame) error {
	var m map[string]any
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	r.frames <- m
	return nil
}

func (r *sinkRecorder) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-r.frames:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound frame")
		return nil
	}
}

func reply(s *Session, fields map[string]any) {
	frame, _ := json.Marshal(fields)
	s.Receive(core.Frame(frame))
}

func openSession(t *testing.T, opts Options) (*Session, *sinkRecorder) {
	t.Helper()
	s := NewSession(opts)
	rec := newSinkRecorder()
	s.Open(rec.sink)
	t.Cleanup(s.Dispose)
	return s, rec
}

func TestSendCorrelation(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})

	type result struct {
		msg *Message
		err error
	}
	results := make([]chan result, 2)
	for i := range results {
		results[i] = make(chan result, 1)
		ch := results[i]
		go func() {
			msg, err := s.Send(context.Background(), KindAttach, nil)
			ch <- result{msg, err}
		}()
	}

	first := rec.next(t)
	second := rec.next(t)

	// Answer in reverse send order; each future must still resolve with
	// its own response.
	reply(s, map[string]any{
		"janus": "success", "transaction": second["transaction"],
		"data": map[string]any{"id": 2},
	})
	reply(s, map[string]any{
		"janus": "success", "transaction": first["transaction"],
		"data": map[string]any{"id": 1},
	})

	ids := map[string]uint64{}
	for i, ch := range results {
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("send %d: %v", i, res.err)
			}
			ids[res.msg.Transaction] = res.msg.Data.ID
		case <-time.After(2 * time.Second):
			t.Fatalf("send %d did not resolve", i)
		}
	}
	if ids[first["transaction"].(string)] != 1 || ids[second["transaction"].(string)] != 2 {
		t.Fatalf("responses crossed transactions: %v", ids)
	}
}

func TestSendTimeoutIsolation(t *testing.T) {
	s, rec := openSession(t, Options{Timeout: 30 * time.Millisecond, Keepalive: -1})

	_, err := s.Send(context.Background(), KindAttach, nil)
	if !errors.Is(err, ErrTxnTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	stale := rec.next(t)

	// A late reply to the timed-out transaction must be dropped silently,
	// and a fresh request must be unaffected.
	done := make(chan *Message, 1)
	go func() {
		msg, err := s.Send(context.Background(), KindAttach, nil)
		if err != nil {
			t.Errorf("second send: %v", err)
		}
		done <- msg
	}()
	fresh := rec.next(t)

	reply(s, map[string]any{"janus": "success", "transaction": stale["transaction"]})
	reply(s, map[string]any{
		"janus": "success", "transaction": fresh["transaction"],
		"data": map[string]any{"id": 9},
	})

	select {
	case msg := <-done:
		if msg.Data.ID != 9 {
			t.Fatalf("wrong response: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second send did not resolve")
	}
}

func TestMessageAckDoesNotResolve(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), KindMessage, map[string]any{"body": map[string]any{}})
		done <- err
	}()
	sent := rec.next(t)
	txn := sent["transaction"]

	reply(s, map[string]any{"janus": "ack", "transaction": txn})
	select {
	case err := <-done:
		t.Fatalf("ack resolved the transaction: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	reply(s, map[string]any{"janus": "event", "transaction": txn})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("event response: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event response did not resolve the transaction")
	}
}

func TestTrickleResolvedByAck(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), KindTrickle, map[string]any{"candidate": map[string]any{"completed": true}})
		done <- err
	}()
	sent := rec.next(t)
	reply(s, map[string]any{"janus": "ack", "transaction": sent["transaction"]})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("trickle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack did not resolve trickle")
	}
}

func TestDisposeRejectsAllPending(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})

	const n = 5
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Send(context.Background(), KindAttach, nil)
			done <- err
		}()
	}
	for i := 0; i < n; i++ {
		rec.next(t)
	}

	s.Dispose()
	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, ErrDisposed) {
				t.Fatalf("pending %d: expected ErrDisposed, got %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pending %d not rejected", i)
		}
	}

	if _, err := s.Send(context.Background(), KindAttach, nil); !errors.Is(err, ErrDisposed) {
		t.Fatalf("send after dispose: %v", err)
	}
}

func TestErrorResponseRejects(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), KindAttach, nil)
		done <- err
	}()
	sent := rec.next(t)
	reply(s, map[string]any{
		"janus": "error", "transaction": sent["transaction"],
		"error": map[string]any{"code": 458, "reason": "session not found"},
	})

	err := <-done
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serverErr.Code != 458 {
		t.Fatalf("wrong code: %d", serverErr.Code)
	}
}

func TestCreateStoresSessionID(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})

	done := make(chan error, 1)
	go func() { done <- s.Create(context.Background()) }()

	created := rec.next(t)
	if created["janus"] != "create" {
		t.Fatalf("expected create request, got %v", created["janus"])
	}
	if _, ok := created["session_id"]; ok {
		t.Fatal("create request must not carry a session id")
	}
	reply(s, map[string]any{
		"janus": "success", "transaction": created["transaction"],
		"data": map[string]any{"id": 4242},
	})
	if err := <-done; err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.ID() != 4242 {
		t.Fatalf("session id not stored: %d", s.ID())
	}

	go s.Send(context.Background(), KindAttach, nil)
	attach := rec.next(t)
	if attach["session_id"] != float64(4242) {
		t.Fatalf("subsequent request missing session id: %v", attach)
	}
}

func TestEventCallbacksRunInOrder(t *testing.T) {
	s, _ := openSession(t, Options{Keepalive: -1})

	var got []int
	s.On("event", func(*Message) { got = append(got, 1) })
	s.On("event", func(*Message) { got = append(got, 2) })

	reply(s, map[string]any{"janus": "event", "sender": 1})
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("wrong callback order: %v", got)
	}
}

func TestKeepaliveAfterQuietPeriod(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: 40 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- s.Create(context.Background()) }()
	created := rec.next(t)
	reply(s, map[string]any{
		"janus": "success", "transaction": created["transaction"],
		"data": map[string]any{"id": 1},
	})
	if err := <-done; err != nil {
		t.Fatalf("create: %v", err)
	}

	ka := rec.next(t)
	if ka["janus"] != "keepalive" {
		t.Fatalf("expected keepalive after quiet period, got %v", ka["janus"])
	}
	reply(s, map[string]any{"janus": "ack", "transaction": ka["transaction"]})
}

func TestHandleFiltersBySender(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})
	h := NewHandle(s)

	done := make(chan error, 1)
	go func() { done <- h.Attach(context.Background(), "janus.plugin.sfu", "") }()
	attach := rec.next(t)
	if attach["plugin"] != "janus.plugin.sfu" {
		t.Fatalf("attach request missing plugin: %v", attach)
	}
	reply(s, map[string]any{
		"janus": "success", "transaction": attach["transaction"],
		"data": map[string]any{"id": 77},
	})
	if err := <-done; err != nil {
		t.Fatalf("attach: %v", err)
	}

	var events int
	h.On("event", func(*Message) { events++ })
	reply(s, map[string]any{"janus": "event", "sender": 77})
	reply(s, map[string]any{"janus": "event", "sender": 78})
	if events != 1 {
		t.Fatalf("expected exactly one filtered event, got %d", events)
	}
}

func TestHandleSendMergesHandleID(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})
	h := NewHandle(s)

	go h.Attach(context.Background(), "janus.plugin.sfu", "")
	attach := rec.next(t)
	reply(s, map[string]any{
		"janus": "success", "transaction": attach["transaction"],
		"data": map[string]any{"id": 5},
	})

	go h.SendMessage(context.Background(), map[string]any{"kind": "join"})
	sent := rec.next(t)
	if sent["handle_id"] != float64(5) {
		t.Fatalf("handle id not merged: %v", sent)
	}
	body, ok := sent["body"].(map[string]any)
	if !ok || body["kind"] != "join" {
		t.Fatalf("body not carried: %v", sent)
	}
	reply(s, map[string]any{"janus": "event", "transaction": sent["transaction"]})
}

func TestUnknownTransactionDroppedSilently(t *testing.T) {
	s, _ := openSession(t, Options{Keepalive: -1})
	// Stray response, duplicate reply, garbage frame: none may panic or
	// disturb the session.
	reply(s, map[string]any{"janus": "success", "transaction": "999"})
	s.Receive(core.Frame("not json"))

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), KindAttach, nil)
		done <- err
	}()
	// The session must still be usable.
	select {
	case err := <-done:
		t.Fatalf("send resolved early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	s.Dispose()
	if err := <-done; !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

func TestMonotonicTransactionIDs(t *testing.T) {
	s, rec := openSession(t, Options{Keepalive: -1})

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		go s.Send(context.Background(), KindAttach, nil)
		sent := rec.next(t)
		txn := sent["transaction"].(string)
		if seen[txn] {
			t.Fatalf("transaction id %s reused", txn)
		}
		seen[txn] = true
		reply(s, map[string]any{"janus": "success", "transaction": txn})
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct ids, got %d", len(seen))
	}
}

func TestCustomErrorPredicate(t *testing.T) {
	s, rec := openSession(t, Options{
		Keepalive: -1,
		IsError: func(m *Message) bool {
			return m.Janus == EventError || m.Janus == "rejected"
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), KindAttach, nil)
		done <- err
	}()
	sent := rec.next(t)
	reply(s, map[string]any{"janus": "rejected", "transaction": sent["transaction"]})

	err := <-done
	if err == nil {
		t.Fatal("custom predicate not applied")
	}
	if fmt.Sprint(err) == "" {
		t.Fatal("empty error")
	}
}
