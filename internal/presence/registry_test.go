package presence

import (
	"encoding/json"
	"testing"

	"yuim/services/im-relay/internal/protocol"
)

func newTestConn(id string, uid int64) *Conn {
	return &Conn{ID: id, UID: uid, Out: make(chan []byte, 16)}
}

// drain decodes everything currently queued on the connection.
func drain(t *testing.T, c *Conn) []protocol.Packet {
	t.Helper()
	var out []protocol.Packet
	for {
		select {
		case b, ok := <-c.Out:
			if !ok {
				return out
			}
			var p protocol.Packet
			if err := json.Unmarshal(b, &p); err != nil {
				t.Fatalf("undecodable packet: %v", err)
			}
			out = append(out, p)
		default:
			return out
		}
	}
}

func countEvent(pkts []protocol.Packet, event string) int {
	n := 0
	for _, p := range pkts {
		if p.Event == event {
			n++
		}
	}
	return n
}

func TestRegisterResolveUnregister(t *testing.T) {
	r := NewRegistry()
	c := newTestConn("c1", 101)
	r.Register(c)

	got, ok := r.Resolve(101)
	if !ok || got.ID != "c1" {
		t.Fatalf("expected to resolve uid 101 to c1, got %v %v", got, ok)
	}
	if !r.Online(101) || r.Online(102) {
		t.Fatalf("online set wrong")
	}
	if !r.Unregister("c1") {
		t.Fatalf("expected unregister to succeed")
	}
	if _, ok := r.Resolve(101); ok {
		t.Fatalf("stale presence entry survived unregister")
	}
}

func TestRegisterSupersedesPriorSession(t *testing.T) {
	r := NewRegistry()
	c1 := newTestConn("c1", 101)
	c2 := newTestConn("c2", 101)
	r.Register(c1)
	r.Register(c2)

	// Exactly one session-superseded to the displaced connection, and its
	// queue is closed.
	pkts := drain(t, c1)
	if n := countEvent(pkts, protocol.EventSessionSuperseded); n != 1 {
		t.Fatalf("expected exactly one session-superseded, got %d", n)
	}
	if _, ok := <-c1.Out; ok {
		t.Fatalf("expected displaced connection queue to be closed")
	}

	// Exactly one live entry afterwards, pointing at the new connection.
	got, ok := r.Resolve(101)
	if !ok || got.ID != "c2" {
		t.Fatalf("expected c2 to be the live connection, got %v %v", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one live entry, got %d", r.Len())
	}
}

func TestUnregisterGuardsAgainstSupersededConn(t *testing.T) {
	r := NewRegistry()
	c1 := newTestConn("c1", 101)
	c2 := newTestConn("c2", 101)
	r.Register(c1)
	r.Register(c2)

	// The displaced connection's late disconnect must not evict the new one.
	r.Unregister("c1")
	got, ok := r.Resolve(101)
	if !ok || got.ID != "c2" {
		t.Fatalf("superseded unregister evicted the live connection")
	}
}

func TestPresenceBroadcastOnChange(t *testing.T) {
	r := NewRegistry()
	c1 := newTestConn("c1", 101)
	c2 := newTestConn("c2", 202)
	r.Register(c1)
	r.Register(c2)

	pkts := drain(t, c2)
	if countEvent(pkts, protocol.EventPresenceChanged) == 0 {
		t.Fatalf("expected a presence broadcast after register")
	}
	var last protocol.PresenceChanged
	for _, p := range pkts {
		if p.Event == protocol.EventPresenceChanged {
			if err := json.Unmarshal(p.Data, &last); err != nil {
				t.Fatalf("bad presence payload: %v", err)
			}
		}
	}
	if len(last.Online) != 2 || last.Online[0] != 101 || last.Online[1] != 202 {
		t.Fatalf("unexpected online set: %v", last.Online)
	}

	drain(t, c1)
	r.Unregister("c2")
	pkts = drain(t, c1)
	if countEvent(pkts, protocol.EventPresenceChanged) != 1 {
		t.Fatalf("expected one presence broadcast after unregister")
	}
}

func TestSnapshotSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(newTestConn("a", 300))
	r.Register(newTestConn("b", 100))
	r.Register(newTestConn("c", 200))

	snap := r.Snapshot()
	want := []int64{100, 200, 300}
	if len(snap) != len(want) {
		t.Fatalf("snapshot len %d != %d", len(snap), len(want))
	}
	for i := range want {
		if snap[i] != want[i] {
			t.Fatalf("snapshot %v not sorted", snap)
		}
	}
}

func TestRelayToBackpressureAndOffline(t *testing.T) {
	r := NewRegistry()
	c := &Conn{ID: "c1", UID: 101, Out: make(chan []byte, 1)}
	r.Register(c)
	drainRaw(c)

	if !r.RelayTo(101, []byte(`{"event":"x"}`)) {
		t.Fatalf("expected relay to succeed")
	}
	if r.RelayTo(101, []byte(`{"event":"x"}`)) {
		t.Fatalf("expected relay to report backpressure drop")
	}
	if r.RelayTo(999, []byte(`{"event":"x"}`)) {
		t.Fatalf("expected relay to an offline uid to fail")
	}
}

func drainRaw(c *Conn) {
	for {
		select {
		case <-c.Out:
		default:
			return
		}
	}
}
