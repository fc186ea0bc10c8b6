package assembler_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/token-relay/internal/assembler"
	"github.com/omochice/token-relay/pkg/protocol"
)

func newAssembler() *assembler.Assembler {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var n int
	return assembler.New(
		assembler.WithClock(func() time.Time { return base.Add(time.Duration(n) * time.Minute) }),
		assembler.WithIDs(func() string {
			n++
			return fmt.Sprintf("m%d", n)
		}),
	)
}

func TestAssembler_AccumulatesChunks(t *testing.T) {
	a := newAssembler()

	user, ok := a.Submit("hi")
	require.True(t, ok)
	assert.Equal(t, assembler.RoleUser, user.Role)
	assert.True(t, a.InProgress())

	first, ok := a.Apply(protocol.Chunk("Hel"))
	require.True(t, ok)
	second, ok := a.Apply(protocol.Chunk("lo!"))
	require.True(t, ok)
	assert.Equal(t, first.ID, second.ID, "chunks must grow one message")
	assert.Equal(t, first.Timestamp, second.Timestamp)

	final, ok := a.Apply(protocol.Done())
	require.True(t, ok)
	assert.Equal(t, "Hello!", final.Text)
	assert.False(t, a.InProgress())

	msgs := a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, assembler.LogicalMessage{
		ID:        "m2",
		Role:      assembler.RoleAssistant,
		Text:      "Hello!",
		Timestamp: msgs[1].Timestamp,
	}, msgs[1])

	_, streaming := a.Current()
	assert.False(t, streaming)
}

func TestAssembler_FailureWithoutFragments(t *testing.T) {
	a := newAssembler()
	_, ok := a.Submit("hi")
	require.True(t, ok)

	msg, ok := a.Apply(protocol.Error("generation failed"))
	require.True(t, ok)
	assert.Equal(t, assembler.FailureText, msg.Text)
	assert.Equal(t, assembler.RoleAssistant, msg.Role)
	assert.False(t, a.InProgress())

	msgs := a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, assembler.RoleUser, msgs[0].Role)
	assert.Equal(t, assembler.FailureText, msgs[1].Text)
}

func TestAssembler_FailureAfterPartialText(t *testing.T) {
	a := newAssembler()
	a.Submit("hi")
	a.Apply(protocol.Chunk("Hel"))

	msg, ok := a.Apply(protocol.Error("generation failed"))
	require.True(t, ok)
	assert.Equal(t, assembler.FailureText, msg.Text)

	msgs := a.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hel", msgs[1].Text)
	assert.NotEqual(t, msgs[1].ID, msgs[2].ID)
}

func TestAssembler_SubmitGating(t *testing.T) {
	a := newAssembler()

	for _, blank := range []string{"", "  ", "\n"} {
		_, ok := a.Submit(blank)
		assert.False(t, ok, "blank prompt %q should be refused", blank)
	}
	assert.Empty(t, a.Messages())

	_, ok := a.Submit("first")
	require.True(t, ok)
	_, ok = a.Submit("second")
	assert.False(t, ok, "submit while in progress should be refused")

	a.Apply(protocol.Done())
	_, ok = a.Submit("third")
	assert.True(t, ok)
	assert.Len(t, a.Messages(), 2)
}

func TestAssembler_DoneWithoutChunks(t *testing.T) {
	a := newAssembler()
	a.Submit("hi")

	_, ok := a.Apply(protocol.Done())
	assert.False(t, ok)
	assert.False(t, a.InProgress())
	assert.Len(t, a.Messages(), 1)
}

func TestAssembler_NewTurnStartsNewMessage(t *testing.T) {
	a := newAssembler()

	a.Submit("one")
	a.Apply(protocol.Chunk("A"))
	a.Apply(protocol.Done())
	a.Submit("two")
	a.Apply(protocol.Chunk("B"))
	a.Apply(protocol.Done())

	msgs := a.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "A", msgs[1].Text)
	assert.Equal(t, "B", msgs[3].Text)
}

func TestAssembler_Disconnected(t *testing.T) {
	a := newAssembler()
	a.Submit("hi")
	a.Apply(protocol.Chunk("par"))

	a.Disconnected()

	assert.False(t, a.InProgress())
	_, streaming := a.Current()
	assert.False(t, streaming)
	assert.Equal(t, "par", a.Messages()[1].Text)

	_, ok := a.Submit("again")
	assert.True(t, ok)
}

func TestAssembler_Current(t *testing.T) {
	a := newAssembler()
	a.Submit("hi")

	_, streaming := a.Current()
	assert.False(t, streaming)

	a.Apply(protocol.Chunk("He"))
	cur, streaming := a.Current()
	require.True(t, streaming)
	assert.Equal(t, "He", cur.Text)
}

func TestAssembler_Clear(t *testing.T) {
	a := newAssembler()
	a.Submit("hi")
	a.Apply(protocol.Chunk("He"))

	a.Clear()
	assert.Empty(t, a.Messages())
	assert.True(t, a.InProgress())

	a.Apply(protocol.Chunk("llo"))
	msgs := a.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "llo", msgs[0].Text)
}

func TestAssembler_MessagesIsACopy(t *testing.T) {
	a := newAssembler()
	a.Submit("hi")

	msgs := a.Messages()
	msgs[0].Text = "changed"

	assert.Equal(t, "hi", a.Messages()[0].Text)
}
