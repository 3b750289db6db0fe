package wire

import "testing"

func TestParseEvent(t *testing.T) {
	pkt, err := ParseEvent(`2["message",{"sid":"s1"}]`)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if pkt.Event != "message" || pkt.ID != nil || pkt.Namespace != "/" {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
	if len(pkt.Args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(pkt.Args))
	}
}

func TestParseEventWithAckID(t *testing.T) {
	pkt, err := ParseEvent(`213["rpc-call",{"method":"s1:abort"}]`)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if pkt.ID == nil || *pkt.ID != 13 {
		t.Fatalf("expected ack id 13, got %v", pkt.ID)
	}
	if pkt.Event != "rpc-call" {
		t.Fatalf("unexpected event %q", pkt.Event)
	}
}

func TestParseEventWithNamespace(t *testing.T) {
	pkt, err := ParseEvent(`2/admin,7["ping"]`)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if pkt.Namespace != "/admin" || pkt.ID == nil || *pkt.ID != 7 {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
}

func TestParseEventRejectsGarbage(t *testing.T) {
	for _, payload := range []string{"", "2", "2notjson", `3["ack"]`, `2[]`} {
		if _, err := ParseEvent(payload); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
}

func TestBuildEventRoundTrip(t *testing.T) {
	id := 42
	payload, err := BuildEvent("/", &id, "update", map[string]any{"seq": 1})
	if err != nil {
		t.Fatalf("BuildEvent: %v", err)
	}

	pkt, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if pkt.Event != "update" || pkt.ID == nil || *pkt.ID != 42 {
		t.Fatalf("round trip lost fields: %+v", pkt)
	}
}

func TestBuildAckRoundTrip(t *testing.T) {
	payload, err := BuildAck("/", 9, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("BuildAck: %v", err)
	}

	ack, err := ParseAck(payload)
	if err != nil {
		t.Fatalf("ParseAck: %v", err)
	}
	if ack.ID != 9 || len(ack.Args) != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestBuildAckEmptyArgs(t *testing.T) {
	payload, err := BuildAck("/", 1)
	if err != nil {
		t.Fatalf("BuildAck: %v", err)
	}
	if payload != "31[]" {
		t.Fatalf("expected empty array payload, got %q", payload)
	}
}

func TestParseAckRequiresID(t *testing.T) {
	if _, err := ParseAck(`3["no-id"]`); err == nil {
		t.Fatalf("ack without id must fail")
	}
}

func TestBuildConnect(t *testing.T) {
	payload, err := BuildConnect("/", map[string]string{"token": "t"})
	if err != nil {
		t.Fatalf("BuildConnect: %v", err)
	}
	if payload != `0{"token":"t"}` {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestParseNamespace(t *testing.T) {
	ns, rest := ParseNamespace(`/admin,{"a":1}`)
	if ns != "/admin" || rest != `{"a":1}` {
		t.Fatalf("unexpected: %q %q", ns, rest)
	}
	ns, rest = ParseNamespace(`{"a":1}`)
	if ns != "/" || rest != `{"a":1}` {
		t.Fatalf("unexpected: %q %q", ns, rest)
	}
}
