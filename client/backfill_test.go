package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

type recordedMessages struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordedMessages) add(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recordedMessages) seqs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Seq
	}
	return out
}

func (r *recordedMessages) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// messageServer serves the forward-paging endpoint over a fixed log.
func messageServer(t *testing.T, total int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after, _ := strconv.ParseInt(r.URL.Query().Get("afterSeq"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = backfillLimit
		}
		var msgs []Message
		for seq := after + 1; seq <= total && len(msgs) < limit; seq++ {
			msgs = append(msgs, Message{ID: fmt.Sprintf("m%d", seq), Seq: seq, Content: "c"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBackfillClient(t *testing.T, baseURL string, rec *recordedMessages) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: baseURL, Token: "t", SessionID: "s1", OnMessage: rec.add})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestDeliverLive_WatermarkCases(t *testing.T) {
	rec := &recordedMessages{}
	c := newBackfillClient(t, messageServer(t, 0).URL, rec)

	ctx := context.Background()
	c.deliverLive(ctx, Message{Seq: 1})
	c.deliverLive(ctx, Message{Seq: 2})
	c.deliverLive(ctx, Message{Seq: 2}) // duplicate
	c.deliverLive(ctx, Message{Seq: 1}) // stale

	if got := rec.seqs(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if c.Watermark() != 2 {
		t.Fatalf("watermark = %d, want 2", c.Watermark())
	}
}

func TestDeliverLive_GapTriggersBackfill(t *testing.T) {
	rec := &recordedMessages{}
	c := newBackfillClient(t, messageServer(t, 5).URL, rec)

	// Seq 5 arrives with 1..4 missing: the gap is filled over HTTP and
	// everything lands in order.
	c.deliverLive(context.Background(), Message{Seq: 5})

	waitUntil(t, func() bool { return rec.count() == 5 })
	seqs := rec.seqs()
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("out-of-order delivery: %v", seqs)
		}
	}
	if c.Watermark() != 5 {
		t.Fatalf("watermark = %d, want 5", c.Watermark())
	}
}

func TestBackfillOnce_PagesUntilCaughtUp(t *testing.T) {
	rec := &recordedMessages{}
	c := newBackfillClient(t, messageServer(t, 250).URL, rec)

	c.backfillOnce(context.Background())

	if rec.count() != 250 {
		t.Fatalf("delivered %d messages, want 250", rec.count())
	}
	seqs := rec.seqs()
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("out-of-order delivery at %d: %v", i, seq)
		}
	}
	if c.Watermark() != 250 {
		t.Fatalf("watermark = %d, want 250", c.Watermark())
	}
}

func TestBackfillOnce_AbandonsStuckCursor(t *testing.T) {
	// A server that always answers with a full page below the cursor must not
	// trap the loop.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msgs := make([]Message, backfillLimit)
		for i := range msgs {
			msgs[i] = Message{ID: fmt.Sprintf("m%d", i+1), Seq: int64(i + 1), Content: "c"}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
	}))
	t.Cleanup(srv.Close)

	rec := &recordedMessages{}
	c := newBackfillClient(t, srv.URL, rec)
	c.msgMu.Lock()
	c.watermark = 500
	c.msgMu.Unlock()

	c.backfillOnce(context.Background())

	if rec.count() != 0 {
		t.Fatalf("stale page must not be delivered, got %d", rec.count())
	}
	if c.Watermark() != 500 {
		t.Fatalf("watermark moved backwards: %d", c.Watermark())
	}
}

func TestRequestBackfill_Coalesces(t *testing.T) {
	var (
		mu      sync.Mutex
		calls   int
		gate    = make(chan struct{})
		gated   sync.Once
		arrived = make(chan struct{})
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		gated.Do(func() {
			close(arrived)
			<-gate
		})
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []Message{}})
	}))
	t.Cleanup(srv.Close)

	rec := &recordedMessages{}
	c := newBackfillClient(t, srv.URL, rec)

	// Nine requests pile up while the first fetch is held at the gate; they
	// must collapse into a single rerun.
	ctx := context.Background()
	c.RequestBackfill(ctx)
	<-arrived
	for i := 0; i < 9; i++ {
		c.RequestBackfill(ctx)
	}
	close(gate)

	waitUntil(t, func() bool {
		c.msgMu.Lock()
		defer c.msgMu.Unlock()
		return !c.backfilling
	})

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 2 fetches (one held, one rerun), got %d", calls)
	}
}

func TestSendMessage_RequiresSessionScope(t *testing.T) {
	c, err := New(Options{BaseURL: "http://x", Token: "t", MachineID: "m1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.SendMessage("hello"); err == nil {
		t.Fatalf("machine-scoped client must not post session messages")
	}
}
