package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrChatClosed is returned when the run behind a chat session ended.
var ErrChatClosed = errors.New("chat session closed")

// ChatSession bridges a run's chat agent and an external client. The
// agent publishes each assistant reply as a prompt and blocks until the
// client answers; the client reads prompts and posts messages.
type ChatSession struct {
	prompts  chan string
	messages chan string

	closeOnce sync.Once
	closed    chan struct{}
}

func newChatSession() *ChatSession {
	return &ChatSession{
		prompts:  make(chan string, 1),
		messages: make(chan string),
		closed:   make(chan struct{}),
	}
}

// provider is the pipeline.MessageProvider backed by this session.
func (s *ChatSession) provider(ctx context.Context, lastReply string) (string, error) {
	select {
	case s.prompts <- lastReply:
	case <-s.closed:
		return "", ErrChatClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case m := <-s.messages:
		return m, nil
	case <-s.closed:
		return "", ErrChatClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// NextPrompt blocks until the agent asks for the next message. The
// returned string is the latest assistant reply, empty on the first turn.
func (s *ChatSession) NextPrompt(ctx context.Context) (string, error) {
	select {
	case p := <-s.prompts:
		return p, nil
	case <-s.closed:
		return "", ErrChatClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Post delivers the client's next message to the waiting agent.
func (s *ChatSession) Post(ctx context.Context, message string) error {
	select {
	case s.messages <- message:
		return nil
	case <-s.closed:
		return ErrChatClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the run ends.
func (s *ChatSession) Done() <-chan struct{} { return s.closed }

func (s *ChatSession) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
