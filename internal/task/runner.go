// Package task runs generation tasks against the LLM and feeds their
// output into the chat session store. Each task streams one assistant
// response: chunks are appended in arrival order, natural completion
// finalizes the message and a stop request marks it manually stopped. The
// store tolerates late events, so a task racing a stop needs no
// coordination beyond cancelling the stream.
package task

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/lyzno1/llm-eduhub/internal/chat"
	"github.com/lyzno1/llm-eduhub/internal/config"
	"github.com/lyzno1/llm-eduhub/internal/history"
	"github.com/lyzno1/llm-eduhub/internal/llm"
	"github.com/lyzno1/llm-eduhub/internal/logger"
)

// FSM states of one generation task.
type FSMState stateless.State

var (
	StateWaiting   FSMState = "WaitingForResponse"
	StateStreaming FSMState = "Streaming"
	StateCompleted FSMState = "Completed" // Terminal: natural completion
	StateStopped   FSMState = "Stopped"   // Terminal: user-initiated stop
	StateFailed    FSMState = "Failed"    // Terminal: transport failure
)

// FSM triggers.
type FSMTrigger stateless.Trigger

var (
	TriggerFirstChunk    FSMTrigger = "FirstChunk"
	TriggerStreamClosed  FSMTrigger = "StreamClosed"
	TriggerStopRequested FSMTrigger = "StopRequested"
	TriggerStreamFailed  FSMTrigger = "StreamFailed"
)

// Runner starts, tracks and cancels generation tasks for one session store.
type Runner struct {
	store   *chat.Store
	llm     llm.Client
	cfg     config.LLMConfig
	history *history.Store

	mu    sync.Mutex
	tasks map[string]*run
}

type run struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// NewRunner creates a runner. The history store may be nil, in which case
// completed turns are not persisted.
func NewRunner(store *chat.Store, client llm.Client, cfg config.LLMConfig, hist *history.Store) *Runner {
	return &Runner{
		store:   store,
		llm:     client,
		cfg:     cfg,
		history: hist,
		tasks:   make(map[string]*run),
	}
}

// Start records the user message, marks the session waiting and launches a
// streaming generation task. It returns the task id immediately; the task
// applies all further store mutations from its own goroutine.
func (r *Runner) Start(ctx context.Context, text string, attachments []chat.Attachment) string {
	r.ensureConversation()
	userMsg := r.store.Add(chat.Message{Text: text, IsUser: true, Attachments: attachments})
	r.persistTurn(history.Turn{Role: history.RoleUser, Content: userMsg.Text})

	taskID := uuid.NewString()
	r.store.SetTaskID(taskID)
	r.store.SetWaiting(true)

	runCtx, cancel := context.WithCancel(ctx)
	rn := &run{cancel: cancel}
	r.mu.Lock()
	r.tasks[taskID] = rn
	r.mu.Unlock()

	go r.execute(runCtx, taskID, rn)
	return taskID
}

// Stop requests cancellation of a task. The stream is cancelled and the
// task marks its message manually stopped when it observes the
// cancellation. Reports whether the task was known.
func (r *Runner) Stop(taskID string) bool {
	r.mu.Lock()
	rn := r.tasks[taskID]
	r.mu.Unlock()
	if rn == nil {
		return false
	}
	rn.stopped.Store(true)
	rn.cancel()
	return true
}

// Complete performs a non-streaming turn: the assistant message is added
// once, fully formed. Used when the client did not request streaming.
func (r *Runner) Complete(ctx context.Context, text string, attachments []chat.Attachment) (chat.Message, error) {
	r.ensureConversation()
	userMsg := r.store.Add(chat.Message{Text: text, IsUser: true, Attachments: attachments})
	r.persistTurn(history.Turn{Role: history.RoleUser, Content: userMsg.Text})
	r.store.SetWaiting(true)

	resp, err := r.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.cfg.Model,
		Messages: r.requestMessages(),
	})
	r.store.SetWaiting(false)
	if err != nil {
		logger.L.Error("chat completion failed", "error", err)
		return chat.Message{}, err
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	assistant := r.store.Add(chat.Message{Text: content})
	r.persistTurn(history.Turn{Role: history.RoleAssistant, Content: content})
	return assistant, nil
}

func (r *Runner) execute(ctx context.Context, taskID string, rn *run) {
	assistantID := ""
	var failure error

	fsm := stateless.NewStateMachine(StateWaiting)

	fsm.Configure(StateWaiting).
		Permit(TriggerFirstChunk, StateStreaming).
		Permit(TriggerStreamClosed, StateCompleted).
		Permit(TriggerStopRequested, StateStopped).
		Permit(TriggerStreamFailed, StateFailed)

	// First chunk: the waiting phase ends and the streaming assistant
	// message is created. Subsequent chunks are plain appends and do not
	// change the task state.
	fsm.Configure(StateStreaming).
		OnEntry(func(_ context.Context, _ ...any) error {
			r.store.SetWaiting(false)
			assistantID = r.store.Add(chat.Message{IsStreaming: true}).ID
			return nil
		}).
		Permit(TriggerStreamClosed, StateCompleted).
		Permit(TriggerStopRequested, StateStopped).
		Permit(TriggerStreamFailed, StateFailed)

	fsm.Configure(StateCompleted).
		OnEntry(func(_ context.Context, _ ...any) error {
			if assistantID != "" {
				r.store.Finalize(assistantID)
				r.persistTurn(history.Turn{Role: history.RoleAssistant, Content: r.messageText(assistantID)})
			}
			r.finish(taskID)
			return nil
		})

	fsm.Configure(StateStopped).
		OnEntry(func(_ context.Context, _ ...any) error {
			if assistantID != "" {
				r.store.MarkManuallyStopped(assistantID)
				r.persistTurn(history.Turn{Role: history.RoleAssistant, Content: r.messageText(assistantID), WasStopped: true})
			}
			r.finish(taskID)
			logger.L.Info("generation task stopped", "task_id", taskID)
			return nil
		})

	fsm.Configure(StateFailed).
		OnEntry(func(_ context.Context, _ ...any) error {
			if assistantID == "" {
				assistantID = r.store.Add(chat.Message{}).ID
			} else {
				r.store.Finalize(assistantID)
			}
			errMsg := "generation failed"
			if failure != nil {
				errMsg = failure.Error()
			}
			r.store.SetError(assistantID, errMsg)
			r.finish(taskID)
			r.persistTurn(history.Turn{Role: history.RoleAssistant, Content: r.messageText(assistantID), Error: errMsg})
			logger.L.Error("generation task failed", "task_id", taskID, "error", failure)
			return nil
		})

	// Terminal triggers fire after the stream context may already be
	// cancelled; the store mutations they perform must still run.
	fire := func(trigger FSMTrigger) {
		if err := fsm.FireCtx(context.Background(), trigger); err != nil {
			logger.L.Warn("task FSM fire error", "trigger", trigger, "error", err)
		}
	}

	stream, err := r.llm.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    r.cfg.Model,
		Messages: r.requestMessages(),
		Stream:   true,
	})
	if err != nil {
		if rn.stopped.Load() || ctx.Err() != nil {
			fire(TriggerStopRequested)
			return
		}
		failure = err
		fire(TriggerStreamFailed)
		return
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.L.Warn("stream close error", "error", cerr)
		}
	}()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			fire(TriggerStreamClosed)
			return
		}
		if err != nil {
			if rn.stopped.Load() || ctx.Err() != nil {
				fire(TriggerStopRequested)
			} else {
				failure = err
				fire(TriggerStreamFailed)
			}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if assistantID == "" {
			fire(TriggerFirstChunk)
		}
		r.store.AppendChunk(assistantID, delta)
	}
}

// finish clears the task bookkeeping. Session flags are only touched while
// the finishing task is still the current one; once a newer task has
// replaced it, the waiting flag and task id belong to that task.
func (r *Runner) finish(taskID string) {
	r.mu.Lock()
	delete(r.tasks, taskID)
	r.mu.Unlock()

	snap := r.store.Snapshot()
	if snap.CurrentTaskID != taskID {
		return
	}
	r.store.SetTaskID("")
	if snap.IsWaitingForResponse {
		r.store.SetWaiting(false)
	}
}

func (r *Runner) ensureConversation() {
	if r.store.Snapshot().CurrentConversationID == "" {
		r.store.SetConversationID(uuid.NewString())
	}
}

func (r *Runner) persistTurn(turn history.Turn) {
	if r.history == nil {
		return
	}
	turn.ConversationID = r.store.Snapshot().CurrentConversationID
	r.history.Save(turn)
}

func (r *Runner) messageText(id string) string {
	if id == "" {
		return ""
	}
	for _, m := range r.store.Snapshot().Messages {
		if m.ID == id {
			return m.Text
		}
	}
	return ""
}

// requestMessages maps the session transcript to the wire format of the
// completion API.
func (r *Runner) requestMessages() []openai.ChatCompletionMessage {
	snap := r.store.Snapshot()
	msgs := make([]openai.ChatCompletionMessage, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		role := openai.ChatMessageRoleAssistant
		if m.IsUser {
			role = openai.ChatMessageRoleUser
		}
		if m.Text == "" {
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	return msgs
}
