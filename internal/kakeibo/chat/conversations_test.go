package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kakeibo/common/crypto"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/store"
)

func newTestConversations(t *testing.T) *Conversations {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "convs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	box, err := crypto.NewBox(make([]byte, crypto.KeySize))
	require.NoError(t, err)
	return NewConversations(s, conversation.NewStore(box, nil), store.ErrNotFound)
}

func TestLocksAreReleased(t *testing.T) {
	c := newTestConversations(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope := conversation.UserScope(fmt.Sprintf("u%d", i%4))
			_, err := c.Update(ctx, scope, "c", func(conv conversation.Conversation) conversation.Conversation {
				return c.Codec.AddMessage(conv, conversation.RoleUser, conversation.Text("x"), 0)
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Zero(t, c.heldLocks())
	conv, ok, err := c.Load(ctx, conversation.UserScope("u0"), "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, conv.Messages, 5)
}

func TestLocksDoNotAliasAcrossSeparators(t *testing.T) {
	c := newTestConversations(t)

	unlock := c.lock(conversation.UserScope("a:b"), "c")
	defer unlock()

	done := make(chan struct{})
	go func() {
		c.lock(conversation.UserScope("a"), "b:c")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("distinct conversations share a record lock")
	}
}

func TestUpdateIfSkipsUnchanged(t *testing.T) {
	c := newTestConversations(t)
	ctx := context.Background()
	scope := conversation.UserScope("u")

	_, saved, err := c.UpdateIf(ctx, scope, "c", func(conv conversation.Conversation) (conversation.Conversation, bool) {
		return conv, false
	})
	require.NoError(t, err)
	require.False(t, saved)
	_, ok, err := c.Load(ctx, scope, "c")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSystemPromptField(t *testing.T) {
	c := newTestConversations(t)
	ctx := context.Background()
	scope := conversation.UserScope("u")

	_, ok, err := c.SystemPrompt(ctx, scope)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.SetSystemPrompt(ctx, scope, "terse"))
	p, ok, err := c.SystemPrompt(ctx, scope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "terse", p)

	// The prompt lives next to conversations without showing up as one.
	ids, err := c.IDs(ctx, scope)
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, c.SetSystemPrompt(ctx, scope, ""))
	_, ok, err = c.SystemPrompt(ctx, scope)
	require.NoError(t, err)
	require.False(t, ok)
}
