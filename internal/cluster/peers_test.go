package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
)

// ===== Ring =====

func TestRing_KeepsNewest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.add(i)
	}
	got := r.items()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("items() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if r.len() != 3 {
		t.Errorf("len() = %d", r.len())
	}
}

func TestMessageLog_Bounded(t *testing.T) {
	l := NewMessageLog(0)
	env, _ := envelope.New(envelope.MessageData, gwPeer, envelope.DestinationAll, envelope.ComponentLib, ComponentAtoms, nil)
	for i := 0; i < DefaultLogSize+10; i++ {
		env.MessageID = fmt.Sprintf("m%03d", i)
		l.Add(newLogEntry(Inbound, env, 10, time.Now()))
	}
	entries := l.Entries()
	if len(entries) != DefaultLogSize {
		t.Fatalf("len = %d, want %d", len(entries), DefaultLogSize)
	}
	if entries[0].MessageID != "m010" || entries[len(entries)-1].MessageID != fmt.Sprintf("m%03d", DefaultLogSize+9) {
		t.Errorf("oldest = %s, newest = %s", entries[0].MessageID, entries[len(entries)-1].MessageID)
	}
}

// ===== Directory =====

func TestDirectory_Roles(t *testing.T) {
	d := NewDirectory(gwLocal, gwMaster)
	d.Ensure(gwMaster)
	d.Ensure(gwPeer)

	tests := []struct {
		id   string
		want Role
	}{
		{gwLocal, RoleLocal},
		{gwMaster, RoleMaster},
		{gwPeer, RoleSlave},
	}
	for _, tt := range tests {
		if p, _ := d.Get(tt.id); p.Role != tt.want {
			t.Errorf("role(%s) = %s, want %s", tt.id, p.Role, tt.want)
		}
	}

	d.SetMaster(gwPeer)
	if p, _ := d.Get(gwPeer); p.Role != RoleMaster {
		t.Errorf("role after SetMaster = %s", p.Role)
	}
	if p, _ := d.Get(gwMaster); p.Role != RoleSlave {
		t.Errorf("old master role = %s", p.Role)
	}
	if p, _ := d.Get(gwLocal); p.Status != StatusOnline {
		t.Errorf("local status = %s, want online", p.Status)
	}
}

func TestDirectory_RecentCommunicationsBounded(t *testing.T) {
	d := NewDirectory(gwLocal, "")
	start := time.Now()
	for i := 0; i < recentCommunications+5; i++ {
		dir := Inbound
		if i%2 == 1 {
			dir = Outbound
		}
		d.Record(gwPeer, Communication{Direction: dir, MessageID: fmt.Sprint(i), At: start.Add(time.Duration(i) * time.Second)})
	}

	p, ok := d.Get(gwPeer)
	if !ok {
		t.Fatal("peer not added by Record")
	}
	if len(p.Recent) != recentCommunications {
		t.Errorf("recent = %d, want %d", len(p.Recent), recentCommunications)
	}
	// The last message (index 34) was inbound.
	if !p.LastSeenAt.Equal(start.Add(34 * time.Second)) {
		t.Errorf("LastSeenAt = %v", p.LastSeenAt)
	}
}

func TestDirectory_PingLifecycle(t *testing.T) {
	d := NewDirectory(gwLocal, "")
	now := time.Now()
	d.StartPing(gwPeer, "p1", now)

	if d.FinishPing(gwPeer, "p0", time.Millisecond, 0) {
		t.Error("FinishPing accepted a stale id")
	}
	id, at, ok := d.PendingPing(gwPeer)
	if !ok || id != "p1" || !at.Equal(now) {
		t.Errorf("PendingPing() = %q, %v, %v", id, at, ok)
	}
	if !d.FinishPing(gwPeer, "p1", 5*time.Millisecond, -time.Millisecond) {
		t.Fatal("FinishPing rejected the current id")
	}
	if _, _, ok := d.PendingPing(gwPeer); ok {
		t.Error("ping still pending after FinishPing")
	}
	p, _ := d.Get(gwPeer)
	if p.PingRoundTrip != 5*time.Millisecond || p.PingOffset != -time.Millisecond {
		t.Errorf("ping result = %v / %v", p.PingRoundTrip, p.PingOffset)
	}
}

func TestDirectory_PingTargets(t *testing.T) {
	d := NewDirectory(gwLocal, "")
	for _, id := range []string{gwPeer, gwMaster, "tiny", envelope.DestinationAll} {
		d.Ensure(id)
	}
	got := d.PingTargets()
	if len(got) != 2 || got[0] != gwMaster || got[1] != gwPeer {
		t.Errorf("PingTargets() = %v", got)
	}
}

func TestDirectory_SetStatusReportsChange(t *testing.T) {
	d := NewDirectory(gwLocal, "")
	if !d.SetStatus(gwPeer, StatusOnline) {
		t.Error("first SetStatus reported no change")
	}
	if d.SetStatus(gwPeer, StatusOnline) {
		t.Error("repeated SetStatus reported a change")
	}
	if len(d.List()) != 2 {
		t.Errorf("List() = %d entries, want 2", len(d.List()))
	}
}
