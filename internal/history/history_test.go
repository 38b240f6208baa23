package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveAndList(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.db"))
	defer s.Close()

	s.Save(Turn{ConversationID: "c1", Role: RoleUser, Content: "hi"})
	s.Save(Turn{ConversationID: "c1", Role: RoleAssistant, Content: "Hello"})
	s.Save(Turn{ConversationID: "c2", Role: RoleUser, Content: "other"})

	turns := s.List("c1")
	require.Len(t, turns, 2)
	require.Equal(t, RoleUser, turns[0].Role)
	require.Equal(t, "hi", turns[0].Content)
	require.Equal(t, "Hello", turns[1].Content)
	require.False(t, turns[0].CreatedAt.IsZero())
}

func TestDeleteConversation(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.db"))
	defer s.Close()

	s.Save(Turn{ConversationID: "c1", Role: RoleUser, Content: "hi"})
	s.Save(Turn{ConversationID: "c2", Role: RoleUser, Content: "keep"})

	s.DeleteConversation("c1")

	require.Empty(t, s.List("c1"))
	require.Len(t, s.List("c2"), 1)
}

func TestStoppedTurnMetadata(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.db"))
	defer s.Close()

	s.Save(Turn{ConversationID: "c1", Role: RoleAssistant, Content: "partial", WasStopped: true, Error: "canceled"})

	turns := s.List("c1")
	require.Len(t, turns, 1)
	require.True(t, turns[0].WasStopped)
	require.Equal(t, "canceled", turns[0].Error)
}

// A store opened against an unusable path must degrade to memory, not fail.
func TestFallbackToMemory(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "missing-dir", "deeper", "history.db"))
	defer s.Close()

	s.Save(Turn{ConversationID: "c1", Role: RoleUser, Content: "hi"})
	require.Len(t, s.List("c1"), 1)
}
