// ABOUTME: Sender-side live conversation view with optimistic placeholders
// ABOUTME: Placeholders show immediately, are superseded by the stored message, and roll back on failure

package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks the ids of optimistic placeholders.
const LocalIDPrefix = "local-"

type placeholder struct {
	msg      Message
	storedID string // set once the write succeeds
}

// Conversation is one sender's live view of its exchange with an agent.
// Sent messages appear at once as local placeholders and are replaced by
// the stored message when the store reports it. A failed send removes the
// placeholder and exposes the error through Err for a short while.
type Conversation struct {
	ch      *Channel
	agentID string
	sender  string

	mu           sync.Mutex
	stored       []Message
	storedIDs    map[string]struct{}
	placeholders map[string]*placeholder
	err          error
	errSeq       uint64
	errTimer     *time.Timer

	updates chan []Message
	done    chan struct{}
}

// OpenConversation starts observing agentID on behalf of sender. The view
// stops updating when ctx is cancelled.
func (c *Channel) OpenConversation(ctx context.Context, agentID, sender string) (*Conversation, error) {
	snaps, err := c.Observe(ctx, agentID)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ch:           c,
		agentID:      agentID,
		sender:       sender,
		storedIDs:    make(map[string]struct{}),
		placeholders: make(map[string]*placeholder),
		updates:      make(chan []Message, 1),
		done:         make(chan struct{}),
	}

	go func() {
		defer close(conv.done)
		for msgs := range snaps {
			conv.applySnapshot(msgs)
		}
		conv.mu.Lock()
		if conv.errTimer != nil {
			conv.errTimer.Stop()
		}
		conv.mu.Unlock()
	}()

	return conv, nil
}

// Updates delivers the full message list after every change. Only the
// latest list is buffered.
func (v *Conversation) Updates() <-chan []Message {
	return v.updates
}

// Done is closed once the conversation stops observing the store.
func (v *Conversation) Done() <-chan struct{} {
	return v.done
}

// Messages returns the current view: stored messages merged with any
// placeholders that have not been superseded yet.
func (v *Conversation) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.messagesLocked()
}

// Err returns the most recent send failure until it expires.
func (v *Conversation) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *Conversation) messagesLocked() []Message {
	local := make([]Message, 0, len(v.placeholders))
	for _, p := range v.placeholders {
		local = append(local, p.msg)
	}
	return Merge(v.stored, local)
}

func (v *Conversation) publishLocked() {
	deliverLatest(v.updates, v.messagesLocked())
}

func (v *Conversation) applySnapshot(msgs []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.stored = msgs
	v.storedIDs = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		v.storedIDs[m.ID] = struct{}{}
	}
	for id, p := range v.placeholders {
		if _, ok := v.storedIDs[p.storedID]; ok && p.storedID != "" {
			delete(v.placeholders, id)
		}
	}
	v.publishLocked()
}

// Send posts a message from the conversation's sender to its agent. The
// placeholder is visible immediately; on failure it is removed, the error
// is returned and Err reports it until the error display time passes.
func (v *Conversation) Send(ctx context.Context, typ MessageType, content string, metadata map[string]any) (string, error) {
	if typ == "" {
		typ = TypeAuto
	}
	now := time.Now().UTC()
	localID := LocalIDPrefix + uuid.New().String()

	v.mu.Lock()
	v.placeholders[localID] = &placeholder{msg: Message{
		ID:        localID,
		From:      v.sender,
		To:        v.agentID,
		Type:      typ,
		Content:   content,
		Status:    StatusPending,
		CreatedAt: &now,
		Metadata:  metadata,
		Local:     true,
	}}
	v.publishLocked()
	v.mu.Unlock()

	id, err := v.ch.Send(ctx, v.sender, v.agentID, typ, content, metadata)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err != nil {
		delete(v.placeholders, localID)
		v.setErrLocked(fmt.Errorf("message not sent: %w", err))
		v.publishLocked()
		v.ch.logger.Warn("send failed, placeholder removed", "agent_id", v.agentID, "error", err)
		return "", err
	}

	if _, ok := v.storedIDs[id]; ok {
		delete(v.placeholders, localID)
		v.publishLocked()
	} else if p, ok := v.placeholders[localID]; ok {
		p.storedID = id
	}
	return id, nil
}

func (v *Conversation) setErrLocked(err error) {
	v.err = err
	v.errSeq++
	seq := v.errSeq

	if v.errTimer != nil {
		v.errTimer.Stop()
	}
	v.errTimer = time.AfterFunc(v.ch.errorDisplay, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.errSeq == seq {
			v.err = nil
		}
	})
}
