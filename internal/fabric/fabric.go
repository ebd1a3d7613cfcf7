// Package fabric is the authoritative in-memory directory of
// authenticated users, channels, and who is in which channel — the
// routing fabric of §4.4. It owns the only shared mutable state in the
// system and serializes every structural edit behind one exclusive
// critical section, the strategy the teacher module's internal/peer
// manager uses for its peer map.
package fabric

import (
	"log/slog"
	"sync"

	"github.com/aonet-chat/aonet/internal/logging"
	"github.com/aonet-chat/aonet/internal/metrics"
	"github.com/aonet-chat/aonet/internal/wire"
)

// GeneralChannel is the default channel every user lands in on
// authentication (§3). It exists from birth and is never removed, even
// when empty.
const GeneralChannel = "general"

// Sender is whatever can accept a message and a close request. Session
// implements it; the fabric only ever depends on this interface, never
// on the concrete session type, so there is no import cycle between the
// two packages.
type Sender interface {
	Send(msg *wire.Message) error
	Close() error
	RemoteAddr() string
}

// Fabric holds the three maps of §3 "Routing fabric state" behind a
// single mutex (§5 "Shared-resource policy"; §9 "Fabric locking").
type Fabric struct {
	mu sync.Mutex

	connections  map[string]Sender          // user name -> session
	channels     map[string]map[string]bool // channel name -> member set
	userChannels map[string]string          // user name -> current channel

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Fabric with the `general` channel already present
// (§3 invariant iii).
func New(logger *slog.Logger, m *metrics.Metrics) *Fabric {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Fabric{
		connections:  make(map[string]Sender),
		channels:     map[string]map[string]bool{GeneralChannel: {}},
		userChannels: make(map[string]string),
		logger:       logger,
		metrics:      m,
	}
}

// AddUser registers name to session, evicting any prior session under
// the same name, and joins `general` (§4.4 add_user). The evicted
// session's transport is closed; its own read loop will then error out
// and call RemoveUser on itself.
func (f *Fabric) AddUser(name string, s Sender) {
	f.mu.Lock()

	if prior, exists := f.connections[name]; exists && prior != s {
		f.logger.Info("evicting prior session for duplicate login",
			logging.KeyUser, name, logging.KeyRemoteAddr, prior.RemoteAddr())
		prior.Close()
	}
	if previous, ok := f.userChannels[name]; ok {
		f.leaveLocked(name, previous)
	}

	f.connections[name] = s
	f.joinLocked(name, GeneralChannel)

	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.ConnectionsActive.Set(float64(f.connectionCount()))
	}
}

// RemoveUser leaves the current channel and drops name's entries, but
// only if s is still the session registered under name — a session
// evicted by a duplicate login (§4.4 add_user) must not tear down the
// newer session's state when its own read loop unwinds. Idempotent and
// safe to call from an unauthenticated session (a no-op then). Reports
// whether it actually removed anything.
func (f *Fabric) RemoveUser(name string, s Sender) bool {
	f.mu.Lock()
	current, exists := f.connections[name]
	if !exists || current != s {
		f.mu.Unlock()
		return false
	}

	channel, wasMember := f.userChannels[name]
	if wasMember {
		f.leaveLocked(name, channel)
	}
	delete(f.connections, name)
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.ConnectionsActive.Set(float64(f.connectionCount()))
	}
	return true
}

// JoinChannel leaves the current channel (if any), creates channel if it
// does not exist, and adds name to it (§4.4 join_channel). Returns the
// channel the user was in before the move, and whether they were in one.
func (f *Fabric) JoinChannel(name, channel string) (previous string, hadPrevious bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous, hadPrevious = f.userChannels[name]
	if hadPrevious {
		f.leaveLocked(name, previous)
	}
	f.joinLocked(name, channel)
	return previous, hadPrevious
}

// CurrentChannel returns the channel name is presently in, if any.
func (f *Fabric) CurrentChannel(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.userChannels[name]
	return ch, ok
}

// Broadcast sends message to every member of channel except exclude
// (pass "" to exclude no one). A no-op if the channel does not exist.
// Per-recipient send failures are logged and swallowed; the broadcast
// never fails as a whole (§4.4 broadcast).
func (f *Fabric) Broadcast(channel string, msg *wire.Message, exclude string) {
	f.mu.Lock()
	members, ok := f.channels[channel]
	if !ok {
		f.mu.Unlock()
		return
	}
	// Snapshot the recipient set under the lock, then send with the lock
	// released (§4.4 "Atomicity").
	recipients := make([]Sender, 0, len(members))
	for user := range members {
		if user == exclude {
			continue
		}
		if s, ok := f.connections[user]; ok {
			recipients = append(recipients, s)
		}
	}
	f.mu.Unlock()

	for _, s := range recipients {
		if err := s.Send(msg); err != nil {
			f.logger.Warn("broadcast send failed",
				logging.KeyChannel, channel, logging.KeyError, err)
		}
	}
}

// DirectSend attempts one send to user and reports whether it succeeded.
// Returns false if the user is unknown (§4.4 direct_send); the DM target
// not being connected is a silent no-op by design (§9).
func (f *Fabric) DirectSend(user string, msg *wire.Message) bool {
	f.mu.Lock()
	s, ok := f.connections[user]
	f.mu.Unlock()
	if !ok {
		return false
	}

	if err := s.Send(msg); err != nil {
		f.logger.Warn("direct send failed", logging.KeyUser, user, logging.KeyError, err)
		return false
	}
	return true
}

// Snapshot is a point-in-time, Go-level introspection view of the
// fabric, used by tests — not part of the wire
// protocol (SPEC_FULL.md "who/channels introspection").
type Snapshot struct {
	Users    []string
	Channels map[string][]string
}

// Snapshot returns a copy of the current fabric state.
func (f *Fabric) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := Snapshot{
		Users:    make([]string, 0, len(f.connections)),
		Channels: make(map[string][]string, len(f.channels)),
	}
	for u := range f.connections {
		snap.Users = append(snap.Users, u)
	}
	for ch, members := range f.channels {
		names := make([]string, 0, len(members))
		for u := range members {
			names = append(names, u)
		}
		snap.Channels[ch] = names
	}
	return snap
}

// connectionCount must be called without holding f.mu.
func (f *Fabric) connectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connections)
}

// ConnectionCount reports the number of currently authenticated
// connections, used by the accept loop to enforce max_connections
// (§4.5, §6).
func (f *Fabric) ConnectionCount() int {
	return f.connectionCount()
}

// joinLocked adds name to channel, creating it if necessary. Caller must
// hold f.mu.
func (f *Fabric) joinLocked(name, channel string) {
	members, ok := f.channels[channel]
	if !ok {
		members = make(map[string]bool)
		f.channels[channel] = members
	}
	members[name] = true
	f.userChannels[name] = channel
}

// leaveLocked removes name from channel's member set, deleting the
// channel if it is now empty and is not `general` (§4.4 leave_channel).
// Caller must hold f.mu.
func (f *Fabric) leaveLocked(name, channel string) {
	if members, ok := f.channels[channel]; ok {
		delete(members, name)
		if len(members) == 0 && channel != GeneralChannel {
			delete(f.channels, channel)
		}
	}
	delete(f.userChannels, name)
}
