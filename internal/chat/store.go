// Package chat holds the in-memory state of the active chat session: the
// ordered message list, the single streaming-message pointer and the
// waiting/conversation/task bookkeeping around it.
//
// Every mutation is total: missing ids are tolerated as no-ops rather than
// reported as errors, because the triggering events come from an
// asynchronous stream that may race with a user-initiated stop. After each
// mutation the store publishes an immutable Snapshot to its subscribers,
// including mutations that turned out to be no-ops — subscribers get
// at-least-once delivery per operation, not per state change, and must
// tolerate consecutive identical snapshots.
package chat

import (
	"sync"

	"github.com/google/uuid"
)

// Snapshot is an immutable copy of the session state at one instant.
// Observers receive a fresh Snapshot after every mutation and must not
// modify it in place.
type Snapshot struct {
	Messages              []Message `json:"messages"`
	StreamingMessageID    string    `json:"streaming_message_id,omitempty"`
	IsWaitingForResponse  bool      `json:"is_waiting_for_response"`
	CurrentConversationID string    `json:"current_conversation_id,omitempty"`
	CurrentTaskID         string    `json:"current_task_id,omitempty"`
}

// Observer receives snapshots. Callbacks run synchronously on the mutating
// goroutine while the store lock is held, so they must be fast and must not
// call back into the store.
type Observer func(Snapshot)

// Store is the single source of truth for one chat session. It is safe for
// concurrent use; mutations applied by one goroutine are observed in order.
type Store struct {
	mu                 sync.Mutex
	messages           []Message
	streamingMessageID string
	waiting            bool
	conversationID     string
	taskID             string

	observers map[int]Observer
	nextObsID int
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{observers: make(map[int]Observer)}
}

// Subscribe registers an observer and returns a function that removes it.
// The observer is invoked with the current snapshot before Subscribe
// returns, still under the store lock, so no version can land between the
// initial delivery and the first mutation callback.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	fn(s.snapshotLocked())
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Snapshot returns an immutable copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Add appends a message to the session, assigning it a fresh id. The
// provided ID field is ignored. If the message is created streaming, the
// streaming pointer is moved to it, replacing any previous value. The
// constructed message is returned so the caller can reference it without a
// follow-up lookup.
func (s *Store) Add(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = uuid.NewString()
	s.messages = append(s.messages, msg)
	if msg.IsStreaming {
		s.streamingMessageID = msg.ID
	}
	s.publishLocked()
	return msg
}

// AppendChunk concatenates chunk onto the text of the message with the
// given id. Unknown ids are ignored. No terminal-state guard exists here;
// the producer is expected to stop emitting chunks once it observes a stop.
func (s *Store) AppendChunk(id, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.messages[i].Text += chunk
	}
	s.publishLocked()
}

// Finalize marks the message as no longer streaming. If the streaming
// pointer referenced it, the pointer is cleared in the same update; a
// finalize for any other id leaves the pointer untouched.
func (s *Store) Finalize(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.messages[i].IsStreaming = false
	}
	if s.streamingMessageID == id {
		s.streamingMessageID = ""
	}
	s.publishLocked()
}

// MarkManuallyStopped is the forced terminal transition: it sets the
// stopped flag and ends streaming in one update, and clears the streaming
// pointer if it referenced the message.
func (s *Store) MarkManuallyStopped(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.messages[i].WasManuallyStopped = true
		s.messages[i].IsStreaming = false
	}
	if s.streamingMessageID == id {
		s.streamingMessageID = ""
	}
	s.publishLocked()
}

// SetError sets (or, with an empty string, clears) the error on the message
// with the given id. Streaming and stop flags are left untouched; an error
// may coexist with an in-progress or terminal message.
func (s *Store) SetError(id, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.messages[i].Error = errMsg
	}
	s.publishLocked()
}

// Clear removes all messages and the streaming pointer. The waiting flag
// and the conversation/task ids identify the session rather than its
// history and are left as they are.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.streamingMessageID = ""
	s.publishLocked()
}

// SetWaiting records whether a response is pending between request dispatch
// and the first token.
func (s *Store) SetWaiting(waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = waiting
	s.publishLocked()
}

// SetConversationID records the backend-assigned conversation id; empty
// means the conversation has not been persisted yet.
func (s *Store) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
	s.publishLocked()
}

// SetTaskID records the id of the in-flight generation task, used for
// out-of-band cancellation; empty means no task.
func (s *Store) SetTaskID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = id
	s.publishLocked()
}

// IsProcessing reports whether the session is busy: waiting for a response
// or with a stream in progress. Consumers use it to gate send controls.
func (s *Store) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting || s.streamingMessageID != ""
}

func (s *Store) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() Snapshot {
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		Messages:              msgs,
		StreamingMessageID:    s.streamingMessageID,
		IsWaitingForResponse:  s.waiting,
		CurrentConversationID: s.conversationID,
		CurrentTaskID:         s.taskID,
	}
}

func (s *Store) publishLocked() {
	if len(s.observers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, fn := range s.observers {
		fn(snap)
	}
}
