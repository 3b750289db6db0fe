package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"agent-relay/internal/wire"
)

// handleUpdate routes one hub-pushed update frame. Message frames feed the
// watermark pipeline; session frames refresh the mirror.
func (c *Client) handleUpdate(ctx context.Context, pkt wire.EventPacket) {
	if len(pkt.Args) < 1 {
		return
	}
	var frame updateFrame
	if json.Unmarshal(pkt.Args[0], &frame) != nil || frame.Body == nil {
		return
	}
	var body updateBody
	if json.Unmarshal(frame.Body, &body) != nil {
		return
	}

	switch body.T {
	case "message-received":
		if body.SID != c.opts.SessionID || body.Message == nil {
			return
		}
		c.deliverLive(ctx, *body.Message)
	case "session-updated", "session-added":
		if body.SID != c.opts.SessionID || body.Session == nil {
			return
		}
		var snap sessionSnapshot
		if json.Unmarshal(body.Session, &snap) != nil {
			return
		}
		// Non-blocking on purpose: a mutation in flight holds the field lock
		// while waiting for its ack on this same read loop, and it will adopt
		// the authoritative version from that ack anyway.
		c.trySeedMetadata(snap.Metadata, snap.MetadataVersion)
		c.trySeedAgentState(snap.AgentState, snap.AgentStateVersion)
	}
}

type updateFrame struct {
	Body json.RawMessage `json:"body"`
}

type updateBody struct {
	T       string          `json:"t"`
	SID     string          `json:"sid"`
	Message *Message        `json:"message"`
	Session json.RawMessage `json:"session"`
}

type sessionSnapshot struct {
	Metadata          string  `json:"metadata"`
	MetadataVersion   int     `json:"metadataVersion"`
	AgentState        *string `json:"agentState"`
	AgentStateVersion int     `json:"agentStateVersion"`
}

// SendMessage appends a message to the session log over the duplex channel.
// The generated local id makes redelivery after a reconnect idempotent.
func (c *Client) SendMessage(content string) (localID string, err error) {
	if c.opts.SessionID == "" {
		return "", fmt.Errorf("session-scoped clients only")
	}
	localID = uuid.NewString()
	err = c.emit("message", map[string]any{
		"sid":     c.opts.SessionID,
		"message": content,
		"localId": localID,
	})
	return localID, err
}

// Watermark is the highest seq delivered so far.
func (c *Client) Watermark() int64 {
	c.msgMu.Lock()
	defer c.msgMu.Unlock()
	return c.watermark
}

// deliverLive handles a hub-pushed message: duplicates at or below the
// watermark are dropped, a contiguous message is delivered directly, and a
// gap triggers a backfill that will pick the message up in order.
func (c *Client) deliverLive(ctx context.Context, msg Message) {
	c.msgMu.Lock()
	switch {
	case msg.Seq <= c.watermark:
		c.msgMu.Unlock()
		return
	case msg.Seq == c.watermark+1:
		c.watermark = msg.Seq
		c.msgMu.Unlock()
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	default:
		c.msgMu.Unlock()
		c.RequestBackfill(ctx)
	}
}

// RequestBackfill fetches every message above the watermark over HTTP.
// Concurrent requests coalesce: one loop runs at a time and reruns once if
// asked again while busy.
func (c *Client) RequestBackfill(ctx context.Context) {
	c.msgMu.Lock()
	if c.backfilling {
		c.backfillAgain = true
		c.msgMu.Unlock()
		return
	}
	c.backfilling = true
	c.msgMu.Unlock()

	go func() {
		for {
			c.backfillOnce(ctx)

			c.msgMu.Lock()
			if !c.backfillAgain {
				c.backfilling = false
				c.msgMu.Unlock()
				return
			}
			c.backfillAgain = false
			c.msgMu.Unlock()
		}
	}()
}

func (c *Client) backfillOnce(ctx context.Context) {
	for {
		c.msgMu.Lock()
		after := c.watermark
		c.msgMu.Unlock()

		msgs, err := c.fetchMessagesAfter(ctx, after, backfillLimit)
		if err != nil {
			log.Printf("client: backfill fetch after %d: %v", after, err)
			return
		}
		if len(msgs) == 0 {
			return
		}

		maxSeq := after
		for _, m := range msgs {
			if m.Seq > maxSeq {
				maxSeq = m.Seq
			}
		}
		if maxSeq <= after {
			// A page that cannot advance the cursor would loop forever.
			log.Printf("client: backfill cursor stuck at %d, abandoning", after)
			return
		}

		for _, m := range msgs {
			c.msgMu.Lock()
			if m.Seq <= c.watermark {
				c.msgMu.Unlock()
				continue
			}
			c.watermark = m.Seq
			c.msgMu.Unlock()
			if c.opts.OnMessage != nil {
				c.opts.OnMessage(m)
			}
		}

		if len(msgs) < backfillLimit {
			return
		}
	}
}

func (c *Client) fetchMessagesAfter(ctx context.Context, afterSeq int64, limit int) ([]Message, error) {
	url := fmt.Sprintf("%s/v1/sessions/%s/messages?afterSeq=%d&limit=%d",
		c.opts.BaseURL, c.opts.SessionID, afterSeq, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("messages fetch failed: %d", resp.StatusCode)
	}

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}
