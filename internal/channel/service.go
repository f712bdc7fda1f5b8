// ABOUTME: Message channel service: send, respond, claim and observe agent conversations
// ABOUTME: Observe merges two live queries (to agent, from agent) into one ordered view

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-office/internal/docstore"
)

var (
	// ErrNotFound is returned when a message id does not exist
	ErrNotFound = docstore.ErrNotFound

	// ErrEmptyContent is returned when sending a blank message
	ErrEmptyContent = errors.New("message content is empty")

	// ErrInvalidType is returned for an unknown message type
	ErrInvalidType = errors.New("invalid message type")

	// ErrInvalidStatus is returned for an unknown message status
	ErrInvalidStatus = errors.New("invalid message status")

	// ErrNotPending is returned when claiming a message someone already picked up
	ErrNotPending = errors.New("message is not pending")
)

// Defaults
const (
	DefaultObserveLimit  = 50
	DefaultErrorDisplay  = 5 * time.Second
	DefaultAutoFailAfter = 45 * time.Second
	DefaultCheckInterval = 5 * time.Second
)

// Channel reads and writes the agent-commands collection.
type Channel struct {
	store        docstore.Store
	logger       *slog.Logger
	observeLimit int
	errorDisplay time.Duration
}

// Option configures a Channel.
type Option func(*Channel)

// WithObserveLimit bounds each of the two conversation queries.
func WithObserveLimit(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.observeLimit = n
		}
	}
}

// WithErrorDisplay sets how long a failed send stays visible on a Conversation.
func WithErrorDisplay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.errorDisplay = d
		}
	}
}

// NewChannel creates a message channel backed by store.
func NewChannel(store docstore.Store, logger *slog.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		store:        store,
		logger:       logger.With("component", "channel"),
		observeLimit: DefaultObserveLimit,
		errorDisplay: DefaultErrorDisplay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send appends a pending message and returns its id. createdAt is the
// store's server time.
func (c *Channel) Send(ctx context.Context, from, to string, typ MessageType, content string, metadata map[string]any) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	if typ == "" {
		typ = TypeAuto
	}
	if !ValidType(typ) {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	id, err := c.store.Add(ctx, Collection, docstore.Fields{
		fieldFrom:      from,
		fieldTo:        to,
		fieldType:      string(typ),
		fieldContent:   content,
		fieldStatus:    string(StatusPending),
		fieldCreatedAt: docstore.ServerTimestamp,
		fieldMetadata:  metadata,
	})
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}

	c.logger.Debug("message sent", "id", id, "from", from, "to", to, "type", typ)
	return id, nil
}

// Respond attaches a response to a message and moves it to status,
// stamping completedAt.
// Returns ErrNotFound if the message does not exist.
func (c *Channel) Respond(ctx context.Context, messageID, response string, status Status) error {
	if !validStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	err := c.store.Update(ctx, Collection, messageID, docstore.Fields{
		fieldResponse:    response,
		fieldStatus:      string(status),
		fieldCompletedAt: docstore.ServerTimestamp,
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("responding to message: %w", err)
	}

	c.logger.Debug("message answered", "id", messageID, "status", status)
	return nil
}

// errAlreadyClosed aborts a conditional failure without writing.
var errAlreadyClosed = errors.New("message already closed")

// failIfOpen fails a message with response unless it has already been
// answered or closed, reading and writing in one transaction. Reports
// whether the failure was written.
func (c *Channel) failIfOpen(ctx context.Context, messageID, response string) (bool, error) {
	err := c.store.Transact(ctx, Collection, messageID, func(doc *docstore.Document) (docstore.Fields, error) {
		m := ParseMessage(doc)
		if !m.Status.Open() || m.Response != "" {
			return nil, errAlreadyClosed
		}
		return docstore.Fields{
			fieldResponse:    response,
			fieldStatus:      string(StatusFailed),
			fieldCompletedAt: docstore.ServerTimestamp,
		}, nil
	})
	switch {
	case errors.Is(err, errAlreadyClosed):
		return false, nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	case err != nil:
		return false, fmt.Errorf("failing message: %w", err)
	}

	c.logger.Debug("message answered", "id", messageID, "status", StatusFailed)
	return true, nil
}

// Claim atomically moves a pending message to in-progress so only one agent
// process works on it.
// Returns ErrNotPending if the message was already claimed or answered.
func (c *Channel) Claim(ctx context.Context, messageID string) (Message, error) {
	var claimed Message
	err := c.store.Transact(ctx, Collection, messageID, func(doc *docstore.Document) (docstore.Fields, error) {
		m := ParseMessage(doc)
		if m.Status != StatusPending {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, messageID, m.Status)
		}
		m.Status = StatusInProgress
		claimed = m
		return docstore.Fields{fieldStatus: string(StatusInProgress)}, nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}

	c.logger.Debug("message claimed", "id", messageID, "to", claimed.To)
	return claimed, nil
}

// Get returns one message.
// Returns ErrNotFound if the message does not exist.
func (c *Channel) Get(ctx context.Context, messageID string) (Message, error) {
	doc, err := c.store.Get(ctx, Collection, messageID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("getting message: %w", err)
	}
	return ParseMessage(doc), nil
}

// Pending returns the unclaimed messages addressed to agentID, oldest first.
func (c *Channel) Pending(ctx context.Context, agentID string) ([]Message, error) {
	docs, err := c.store.Query(ctx, docstore.Collection(Collection).
		Where(fieldTo, agentID).
		Where(fieldStatus, string(StatusPending)).
		OrderBy(fieldCreatedAt, false))
	if err != nil {
		return nil, fmt.Errorf("listing pending messages: %w", err)
	}
	return parseAll(docs), nil
}

func (c *Channel) conversationQuery(field, agentID string) docstore.Query {
	return docstore.Collection(Collection).
		Where(field, agentID).
		OrderBy(fieldCreatedAt, true).
		Limit(c.observeLimit)
}

// Observe delivers the conversation of agentID: the most recent messages
// addressed to it merged with the most recent messages it sent. The first
// list is delivered once both queries have answered, then again after every
// change. The channel is closed when ctx is cancelled.
func (c *Channel) Observe(ctx context.Context, agentID string) (<-chan []Message, error) {
	obsCtx, cancel := context.WithCancel(ctx)

	inbound, err := c.store.Watch(obsCtx, c.conversationQuery(fieldTo, agentID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watching inbound messages: %w", err)
	}
	outbound, err := c.store.Watch(obsCtx, c.conversationQuery(fieldFrom, agentID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watching outbound messages: %w", err)
	}

	out := make(chan []Message, 1)
	go func() {
		defer cancel()
		defer close(out)

		var in, sent []Message
		var haveIn, haveSent bool
		for {
			select {
			case snap, ok := <-inbound:
				if !ok {
					return
				}
				in, haveIn = parseAll(snap.Docs), true
			case snap, ok := <-outbound:
				if !ok {
					return
				}
				sent, haveSent = parseAll(snap.Docs), true
			case <-obsCtx.Done():
				return
			}
			if haveIn && haveSent {
				deliverLatest(out, Merge(in, sent))
			}
		}
	}()

	c.logger.Debug("observing conversation", "agent_id", agentID)
	return out, nil
}

// deliverLatest replaces an undelivered value with a newer one.
// Must only be called by the channel's single writer.
func deliverLatest[T any](out chan T, v T) {
	select {
	case out <- v:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	out <- v
}
