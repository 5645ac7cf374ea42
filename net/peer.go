package net

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/log"
	"github.com/lcx/dcf/metrics"
	"github.com/lcx/dcf/utils"
)

// MaxNodes is the number of node ids the engine can address (0..MaxNodes-1).
const MaxNodes = 8

// PeerState is the liveness state of a peer.
type PeerState int

const (
	PeerActive PeerState = iota
	PeerInactive
)

func (s PeerState) String() string {
	if s == PeerInactive {
		return "INACTIVE"
	}
	return "ACTIVE"
}

// Peer is a remote node tracked by the Registry. Its mutable fields are only
// touched under the registry lock; callers see PeerInfo snapshots.
type Peer struct {
	ID            int
	Address       string
	Port          int
	active        bool
	lastHeartbeat time.Time
	lastProbe     time.Time
}

// PeerInfo is a point-in-time copy of a Peer.
type PeerInfo struct {
	ID            int       `json:"id"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	State         PeerState `json:"-"`
	Active        bool      `json:"active"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	LastProbe     time.Time `json:"lastProbe"`
}

// Endpoint returns the peer's transport endpoint.
func (p PeerInfo) Endpoint() Endpoint {
	return Endpoint{NodeID: p.ID, Host: p.Address, Port: p.Port}
}

func (p *Peer) info() PeerInfo {
	state := PeerActive
	if !p.active {
		state = PeerInactive
	}
	return PeerInfo{
		ID:            p.ID,
		Address:       p.Address,
		Port:          p.Port,
		State:         state,
		Active:        p.active,
		LastHeartbeat: p.lastHeartbeat,
		LastProbe:     p.lastProbe,
	}
}

// PeerEvent describes a liveness transition.
type PeerEvent struct {
	Peer   PeerInfo
	From   PeerState
	To     PeerState
	Reason string
	At     time.Time
}

// PeerEventHandler observes liveness transitions. It is called without the
// registry lock held.
type PeerEventHandler func(PeerEvent)

// Registry owns the static peer set of a session. Peers are created once from
// configuration and never removed; INACTIVE marks logical removal.
type Registry struct {
	mu      sync.RWMutex
	localID int
	peers   []*Peer // sorted by ID
	byID    map[int]*Peer

	clock      clock.Clock
	reactivate bool
	optimistic bool
	handler    PeerEventHandler
	logger     log.Logger
}

// ParsePeers turns peer spec strings into endpoints. Specs without an explicit
// id get the lowest free id in list order, skipping localID.
func ParsePeers(localID int, specs []string, defaultPort int) ([]Endpoint, error) {
	used := map[int]bool{localID: true}
	eps := make([]Endpoint, 0, len(specs))
	pending := make([]int, 0, len(specs))

	for _, spec := range specs {
		id, host, port, err := utils.ParsePeerSpec(spec, defaultPort)
		if err != nil {
			return nil, errors.Wrap(ErrConfiguration, err.Error())
		}
		if id != utils.NoNodeID {
			if id >= MaxNodes {
				return nil, errors.Wrapf(ErrConfiguration, "peer %q: node id %d out of range", spec, id)
			}
			if used[id] {
				return nil, errors.Wrapf(ErrConfiguration, "peer %q: node id %d already in use", spec, id)
			}
			used[id] = true
		} else {
			pending = append(pending, len(eps))
		}
		eps = append(eps, Endpoint{NodeID: id, Host: host, Port: port})
	}

	next := 0
	for _, idx := range pending {
		for next < MaxNodes && used[next] {
			next++
		}
		if next >= MaxNodes {
			return nil, errors.Wrapf(ErrConfiguration, "more than %d nodes configured", MaxNodes)
		}
		eps[idx].NodeID = next
		used[next] = true
	}
	return eps, nil
}

// NewRegistry creates a registry for the local node and its static peers.
// Every peer starts ACTIVE with its heartbeat timestamp set to now.
func NewRegistry(localID int, peers []Endpoint, opts ...RegistryOption) (*Registry, error) {
	if localID < 0 || localID >= MaxNodes {
		return nil, errors.Wrapf(ErrConfiguration, "local node id %d out of range", localID)
	}

	r := &Registry{
		localID: localID,
		byID:    make(map[int]*Peer, len(peers)),
		clock:   clock.New(),
		logger:  log.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	now := r.clock.Now()
	for _, ep := range peers {
		if ep.NodeID < 0 || ep.NodeID >= MaxNodes {
			return nil, errors.Wrapf(ErrConfiguration, "peer %s: node id out of range", ep)
		}
		if ep.NodeID == localID {
			return nil, errors.Wrapf(ErrConfiguration, "peer %s: uses the local node id", ep)
		}
		if _, dup := r.byID[ep.NodeID]; dup {
			return nil, errors.Wrapf(ErrConfiguration, "peer %s: duplicate node id", ep)
		}
		p := &Peer{ID: ep.NodeID, Address: ep.Host, Port: ep.Port, active: true, lastHeartbeat: now}
		r.peers = append(r.peers, p)
		r.byID[p.ID] = p
	}
	sort.Slice(r.peers, func(i, j int) bool { return r.peers[i].ID < r.peers[j].ID })

	r.publishGauge()
	return r, nil
}

// SetLogger replaces the diagnostic logger.
func (r *Registry) SetLogger(l log.Logger) {
	if l != nil {
		r.logger = l
	}
}

// LocalID returns the local node id.
func (r *Registry) LocalID() int {
	return r.localID
}

// Clock returns the registry's time source.
func (r *Registry) Clock() clock.Clock {
	return r.clock
}

// Len returns the number of configured peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Peer returns a snapshot of peer id.
func (r *Registry) Peer(id int) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Peers returns snapshots of all peers ordered by id.
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.info())
	}
	return out
}

// ActivePeers returns snapshots of ACTIVE peers ordered by id.
func (r *Registry) ActivePeers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		if p.active {
			out = append(out, p.info())
		}
	}
	return out
}

// Touch records traffic received from peer id. An INACTIVE peer only comes
// back when reactivation is enabled. Returns false for unknown ids.
func (r *Registry) Touch(id int) bool {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	now := r.clock.Now()
	var ev *PeerEvent
	if p.active {
		p.lastHeartbeat = now
	} else if r.reactivate {
		ev = r.setActiveLocked(p, true, now, "traffic received")
	}
	r.mu.Unlock()

	r.emit(ev)
	return true
}

// MarkProbe records a heartbeat sent to peer id. With optimistic liveness the
// send attempt also counts as a heartbeat.
func (r *Registry) MarkProbe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return
	}
	now := r.clock.Now()
	p.lastProbe = now
	if r.optimistic && p.active {
		p.lastHeartbeat = now
	}
}

// ExpireStale marks every ACTIVE peer whose last heartbeat is at least timeout
// old as INACTIVE and returns the peers that changed.
func (r *Registry) ExpireStale(timeout time.Duration) []PeerInfo {
	r.mu.Lock()
	now := r.clock.Now()
	var events []*PeerEvent
	for _, p := range r.peers {
		if p.active && now.Sub(p.lastHeartbeat) >= timeout {
			events = append(events, r.setActiveLocked(p, false, now, "heartbeat timeout"))
		}
	}
	r.mu.Unlock()

	expired := make([]PeerInfo, 0, len(events))
	for _, ev := range events {
		r.emit(ev)
		expired = append(expired, ev.Peer)
	}
	return expired
}

// Reactivate brings peer id back to ACTIVE regardless of the reactivation
// policy. It is the explicit external signal for recovering a peer.
func (r *Registry) Reactivate(id int) bool {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok || p.active {
		r.mu.Unlock()
		return ok
	}
	ev := r.setActiveLocked(p, true, r.clock.Now(), "reactivated")
	r.mu.Unlock()

	r.emit(ev)
	return true
}

func (r *Registry) setActiveLocked(p *Peer, active bool, now time.Time, reason string) *PeerEvent {
	from, to := PeerActive, PeerInactive
	if active {
		from, to = PeerInactive, PeerActive
		p.lastHeartbeat = now
	}
	p.active = active
	return &PeerEvent{Peer: p.info(), From: from, To: to, Reason: reason, At: now}
}

func (r *Registry) emit(ev *PeerEvent) {
	if ev == nil {
		return
	}
	if ev.To == PeerInactive {
		r.logger.Warn().
			Int("peer", ev.Peer.ID).
			Str("addr", ev.Peer.Endpoint().Addr()).
			Str("reason", ev.Reason).
			Time("lastHeartbeat", ev.Peer.LastHeartbeat).
			Msg("peer inactive, rerouting")
	} else {
		r.logger.Info().
			Int("peer", ev.Peer.ID).
			Str("reason", ev.Reason).
			Msg("peer active")
	}
	metrics.IncrCounterWithDimGroup("net", "peer_transition_total", 1, metrics.Dimension{
		"peer": strconv.Itoa(ev.Peer.ID),
		"to":   ev.To.String(),
	})
	r.publishGauge()

	if r.handler != nil {
		r.handler(*ev)
	}
}

func (r *Registry) publishGauge() {
	metrics.UpdateGaugeWithGroup("net", "active_peers", metrics.Value(len(r.ActivePeers())))
}
