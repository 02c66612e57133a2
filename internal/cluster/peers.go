package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
)

// Peer directory limits.
const (
	recentCommunications = 30
	minPingableIDLength  = 13
)

// Role of a gateway within the cluster.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
	RoleLocal  Role = "local"
)

// CommStatus is a peer's last known presence.
type CommStatus string

const (
	StatusUnknown CommStatus = "unknown"
	StatusOnline  CommStatus = "online"
	StatusOffline CommStatus = "offline"
)

// Communication is one entry in a peer's recent traffic.
type Communication struct {
	Direction Direction `json:"direction"`
	Topic     string    `json:"topic"`
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
}

// Peer is a copy of one directory entry.
type Peer struct {
	GatewayID  string     `json:"gateway_id"`
	Role       Role       `json:"role"`
	Status     CommStatus `json:"comm_status"`
	LastSeenAt time.Time  `json:"last_seen_at"`

	PingRequestID string        `json:"ping_request_id,omitempty"`
	PingRequestAt time.Time     `json:"ping_request_at"`
	PingRoundTrip time.Duration `json:"ping_round_trip"`
	PingOffset    time.Duration `json:"ping_time_offset"`

	Recent []Communication `json:"recent_communications"`
}

type peerState struct {
	Peer
	recent *ring[Communication]
}

func (p *peerState) snapshot() Peer {
	out := p.Peer
	out.Recent = p.recent.items()
	return out
}

// Directory tracks every gateway this one has heard of. Entries are never
// removed, only marked offline.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Directory struct {
	mu     sync.RWMutex
	self   string
	master string
	peers  map[string]*peerState
}

// NewDirectory creates a directory containing the local gateway.
func NewDirectory(self, masterID string) *Directory {
	d := &Directory{
		self:   self,
		master: masterID,
		peers:  make(map[string]*peerState),
	}
	d.Ensure(self)
	return d
}

// Ensure adds gatewayID if missing and reports whether it was added.
func (d *Directory) Ensure(gatewayID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, added := d.ensureLocked(gatewayID)
	return added
}

func (d *Directory) ensureLocked(id string) (*peerState, bool) {
	if p, ok := d.peers[id]; ok {
		return p, false
	}
	p := &peerState{
		Peer:   Peer{GatewayID: id, Role: d.roleOf(id), Status: StatusUnknown},
		recent: newRing[Communication](recentCommunications),
	}
	if id == d.self {
		p.Status = StatusOnline
	}
	d.peers[id] = p
	return p, true
}

func (d *Directory) roleOf(id string) Role {
	switch id {
	case d.self:
		return RoleLocal
	case d.master:
		return RoleMaster
	default:
		return RoleSlave
	}
}

// SetMaster records which gateway is the master.
func (d *Directory) SetMaster(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.master = id
	for pid, p := range d.peers {
		p.Role = d.roleOf(pid)
	}
}

// Record notes traffic with gatewayID, adding it if unknown. Inbound
// traffic also refreshes LastSeenAt.
func (d *Directory) Record(gatewayID string, c Communication) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, _ := d.ensureLocked(gatewayID)
	p.recent.add(c)
	if c.Direction == Inbound {
		p.LastSeenAt = c.At
	}
}

// SetStatus updates presence and reports whether it changed.
func (d *Directory) SetStatus(gatewayID string, status CommStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, _ := d.ensureLocked(gatewayID)
	if p.Status == status {
		return false
	}
	p.Status = status
	return true
}

// StartPing records an outstanding ping.
func (d *Directory) StartPing(gatewayID, requestID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, _ := d.ensureLocked(gatewayID)
	p.PingRequestID = requestID
	p.PingRequestAt = at
}

// FinishPing stores the result of the ping with requestID. It reports
// false if requestID is not the outstanding ping for gatewayID.
func (d *Directory) FinishPing(gatewayID, requestID string, rtt, offset time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[gatewayID]
	if !ok || requestID == "" || p.PingRequestID != requestID {
		return false
	}
	p.PingRequestID = ""
	p.PingRoundTrip = rtt
	p.PingOffset = offset
	return true
}

// PendingPing returns the outstanding ping id and its send time.
func (d *Directory) PendingPing(gatewayID string) (string, time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.peers[gatewayID]
	if !ok || p.PingRequestID == "" {
		return "", time.Time{}, false
	}
	return p.PingRequestID, p.PingRequestAt, true
}

// Get returns a copy of the entry for gatewayID.
func (d *Directory) Get(gatewayID string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.peers[gatewayID]
	if !ok {
		return Peer{}, false
	}
	return p.snapshot(), true
}

// List returns copies of every entry sorted by gateway id.
func (d *Directory) List() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GatewayID < out[j].GatewayID })
	return out
}

// PingTargets returns the gateways to ping, sorted.
func (d *Directory) PingTargets() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for id := range d.peers {
		if pingable(id, d.self) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// isPeerID reports whether id names another gateway rather than this one
// or a broadcast destination.
func isPeerID(id, self string) bool {
	switch id {
	case "", self, envelope.DestinationLocal, envelope.DestinationAll, envelope.DestinationCluster:
		return false
	}
	return true
}

func pingable(id, self string) bool {
	return isPeerID(id, self) && len(id) >= minPingableIDLength
}
