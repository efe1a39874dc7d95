package chat

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

type EventType int

const (
	EventAdd EventType = iota
	EventRemove
	EventRegisterName
	EventUnregisterName
	EventBroadcast
	EventReply
	EventListNames
	EventLookup
	EventCount
	EventShutdown
)

func (t EventType) String() string {
	switch t {
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	case EventRegisterName:
		return "register_name"
	case EventUnregisterName:
		return "unregister_name"
	case EventBroadcast:
		return "broadcast"
	case EventReply:
		return "reply"
	case EventListNames:
		return "list_names"
	case EventLookup:
		return "lookup"
	case EventCount:
		return "count"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type Event struct {
	Type      EventType
	Session   *Session
	ID        string
	Name      string
	Text      string
	ReplyChan chan Reply
}

type Reply struct {
	Session *Session
	Found   bool
	Count   int
	Text    string
}

// roster is the state owned by the Run loop.
type roster struct {
	sessions map[string]*Session
	names    []string
	closed   bool
}

// Registry is the process-wide set of live sessions and announced names.
// All access is serialized through the Run loop; the exported methods hand
// it an event and wait for the reply.
type Registry struct {
	events   chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	commands Commands
	logger   *slog.Logger
}

func NewRegistry(buffer int, commands Commands, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events:   make(chan Event, buffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		commands: commands,
		logger:   logger,
	}
}

func (r *Registry) Commands() Commands {
	return r.commands
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: the roster is only accessed in this goroutine.
	st := &roster{sessions: make(map[string]*Session)}

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			ev.ReplyChan <- r.handle(st, ev)
			EventProcessingDuration.WithLabelValues(ev.Type.String()).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) handle(st *roster, ev Event) Reply {
	switch ev.Type {
	case EventAdd:
		if st.closed {
			ev.Session.Close()
			return Reply{}
		}
		st.sessions[ev.Session.ID()] = ev.Session
		ConnectedSessions.Set(float64(len(st.sessions)))
	case EventRemove:
		if _, ok := st.sessions[ev.ID]; ok {
			delete(st.sessions, ev.ID)
			ConnectedSessions.Set(float64(len(st.sessions)))
		}
	case EventRegisterName:
		st.names = append(st.names, ev.Name)
	case EventUnregisterName:
		if i := lo.IndexOf(st.names, ev.Name); i >= 0 {
			st.names = append(st.names[:i], st.names[i+1:]...)
		}
	case EventBroadcast:
		for id, s := range st.sessions {
			if id != ev.ID {
				s.deliver(ev.Text)
			}
		}
	case EventReply:
		if s, ok := st.sessions[ev.ID]; ok {
			s.deliver(ev.Text)
		}
	case EventListNames:
		return Reply{Text: strings.Join(st.names, ",")}
	case EventLookup:
		s, ok := st.sessions[ev.ID]
		return Reply{Session: s, Found: ok}
	case EventCount:
		return Reply{Count: len(st.sessions)}
	case EventShutdown:
		st.closed = true
		r.logger.Info("closing all sessions", "count", len(st.sessions))
		for _, s := range st.sessions {
			s.Close()
		}
	}
	return Reply{}
}

// call hands ev to the Run loop and waits for its reply. Once the loop has
// stopped the zero Reply is returned.
func (r *Registry) call(ev Event) Reply {
	ev.ReplyChan = make(chan Reply, 1)
	select {
	case r.events <- ev:
	case <-r.doneCh:
		return Reply{}
	}
	select {
	case rep := <-ev.ReplyChan:
		return rep
	case <-r.doneCh:
		return Reply{}
	}
}

// Add inserts s. After Shutdown the session is closed instead.
func (r *Registry) Add(s *Session) {
	r.call(Event{Type: EventAdd, Session: s})
}

// Remove drops the session with the given id. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(id string) {
	r.call(Event{Type: EventRemove, ID: id})
}

func (r *Registry) Session(id string) (*Session, bool) {
	rep := r.call(Event{Type: EventLookup, ID: id})
	return rep.Session, rep.Found
}

func (r *Registry) Count() int {
	return r.call(Event{Type: EventCount}).Count
}

func (r *Registry) RegisterName(name string) {
	r.call(Event{Type: EventRegisterName, Name: name})
}

// UnregisterName removes the first occurrence of name.
func (r *Registry) UnregisterName(name string) {
	r.call(Event{Type: EventUnregisterName, Name: name})
}

// ListUserNames renders the announced names in join order.
func (r *Registry) ListUserNames() string {
	return r.call(Event{Type: EventListNames}).Text
}

func (r *Registry) ListCommands() string {
	return r.commands.render()
}

// BroadcastExceptSender queues message for every session other than
// senderID. A recipient that cannot take the message is skipped.
func (r *Registry) BroadcastExceptSender(message, senderID string) {
	r.call(Event{Type: EventBroadcast, ID: senderID, Text: message})
}

// ReplyToSender queues message for senderID only, if it is still present.
func (r *Registry) ReplyToSender(message, senderID string) {
	r.call(Event{Type: EventReply, ID: senderID, Text: message})
}

// Shutdown closes every session and refuses later Adds. Each session then
// exits its read loop and removes itself.
func (r *Registry) Shutdown() {
	r.call(Event{Type: EventShutdown})
}
