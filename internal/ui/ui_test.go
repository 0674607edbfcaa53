package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogUINotifyAndClose(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	u := NewLogUI(zap.New(core))

	u.NotifyNoAuthorizedKeyPresent()
	id, visible := u.Visible()
	require.True(t, visible)
	assert.NotEmpty(t, id)

	u.CloseUI()
	_, visible = u.Visible()
	assert.False(t, visible)

	u.CloseUI()
	assert.Equal(t, 1, logs.FilterMessage("secure storage notification closed").Len())
	entry := logs.FilterMessage("secure storage notification").All()
	require.Len(t, entry, 1)
	assert.Equal(t, "no-authorized-key-present", entry[0].ContextMap()["kind"])
}

func TestLogUIReply(t *testing.T) {
	u := NewLogUI(nil)
	u.Reply(Rejected)

	var got []Event
	u.SetHandler(func(e Event) { got = append(got, e) })
	u.NotifyNoKeyPresent()
	id, _ := u.Visible()
	u.Reply(ClearPasswordsStorage)

	require.Len(t, got, 1)
	assert.Equal(t, ClearPasswordsStorage, got[0].Kind)
	assert.Equal(t, id, got[0].PromptID)
	assert.Equal(t, "clear-passwords-storage", got[0].Kind.String())
}
