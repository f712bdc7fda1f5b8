// ABOUTME: Tests for the optimistic sender-side conversation view
// ABOUTME: Covers placeholder supersession, rollback on write failure and error expiry

package channel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-office/internal/docstore"
)

// gatedStore holds Add until gate is closed and can fail it.
type gatedStore struct {
	docstore.Store
	gate   chan struct{}
	addErr error
}

func (g *gatedStore) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.addErr != nil {
		return "", g.addErr
	}
	return g.Store.Add(ctx, collection, fields)
}

func TestConversation_PlaceholderSuperseded(t *testing.T) {
	store, _ := setupStore(t)
	gated := &gatedStore{Store: store, gate: make(chan struct{})}
	ch := NewChannel(gated, nil)
	ctx := t.Context()

	conv, err := ch.OpenConversation(ctx, "nora", AdminSender)
	require.NoError(t, err)
	assert.Empty(t, receiveMessages(t, conv.Updates()))

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := conv.Send(ctx, TypeTask, "deploy", nil)
		done <- result{id, err}
	}()

	require.Eventually(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 1 && msgs[0].Local
	}, 2*time.Second, 5*time.Millisecond)

	local := conv.Messages()[0]
	assert.True(t, strings.HasPrefix(local.ID, LocalIDPrefix))
	assert.Equal(t, StatusPending, local.Status)
	assert.Equal(t, "deploy", local.Content)

	close(gated.gate)
	res := <-done
	require.NoError(t, res.err)

	require.Eventually(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 1 && msgs[0].ID == res.id && !msgs[0].Local
	}, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, conv.Err())
}

func TestConversation_PlaceholderDefaultsToAuto(t *testing.T) {
	store, _ := setupStore(t)
	gated := &gatedStore{Store: store, gate: make(chan struct{})}
	ch := NewChannel(gated, nil)
	ctx := t.Context()

	conv, err := ch.OpenConversation(ctx, "nora", AdminSender)
	require.NoError(t, err)
	receiveMessages(t, conv.Updates())

	done := make(chan string, 1)
	go func() {
		id, err := conv.Send(ctx, "", "anything new?", nil)
		assert.NoError(t, err)
		done <- id
	}()

	require.Eventually(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 1 && msgs[0].Local
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, TypeAuto, conv.Messages()[0].Type)

	close(gated.gate)
	id := <-done
	require.Eventually(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 1 && msgs[0].ID == id && !msgs[0].Local
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, TypeAuto, conv.Messages()[0].Type)
}

func TestConversation_RollbackOnFailure(t *testing.T) {
	store, _ := setupStore(t)
	writeErr := errors.New("permission denied")
	ch := NewChannel(&gatedStore{Store: store, addErr: writeErr}, nil, WithErrorDisplay(50*time.Millisecond))
	ctx := t.Context()

	conv, err := ch.OpenConversation(ctx, "nora", AdminSender)
	require.NoError(t, err)
	receiveMessages(t, conv.Updates())

	_, err = conv.Send(ctx, TypeChat, "hello?", nil)
	require.ErrorIs(t, err, writeErr)

	assert.Empty(t, conv.Messages(), "placeholder rolled back")
	require.Error(t, conv.Err())
	assert.ErrorIs(t, conv.Err(), writeErr)

	require.Eventually(t, func() bool {
		return conv.Err() == nil
	}, 2*time.Second, 10*time.Millisecond, "error clears after the display time")

	msgs, err := ch.Pending(ctx, "nora")
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing was stored")
}

func TestConversation_ShowsAgentReplies(t *testing.T) {
	store, clock := setupStore(t)
	ch := NewChannel(store, nil)
	ctx := t.Context()

	conv, err := ch.OpenConversation(ctx, "nora", AdminSender)
	require.NoError(t, err)

	id, err := conv.Send(ctx, TypeQuestion, "status?", nil)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = ch.Send(ctx, "nora", AdminSender, TypeChat, "halfway there", map[string]any{"kind": "progress"})
	require.NoError(t, err)
	require.NoError(t, ch.Respond(ctx, id, "working on it", StatusInProgress))

	require.Eventually(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 2 && msgs[0].ID == id && msgs[0].Response == "working on it" && msgs[1].IsProactive("nora")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConversation_DoneOnCancel(t *testing.T) {
	store, _ := setupStore(t)
	ch := NewChannel(store, nil)
	ctx, cancel := context.WithCancel(t.Context())

	conv, err := ch.OpenConversation(ctx, "nora", AdminSender)
	require.NoError(t, err)

	cancel()
	select {
	case <-conv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conversation did not stop")
	}
}
