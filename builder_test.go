package botflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/botflow/pkg/api"
)

func TestFlowBuilder_BuildsValidFlow(t *testing.T) {
	def, err := NewFlow("onboarding", "bot-1").
		SendMessage("greet", "text", map[string]any{"body": "Hi {{contact.first_name}}!"}, "ask").
		Ask("ask", "text", map[string]any{"body": "What's your name?"}, "save").
		SetAttribute("save", "name", "{{state.user_response}}", "pause").
		Wait("pause", 5, "minutes", "check").
		Condition("check", "contact.attribute.name", api.OpNotEqual, "", "bye", "").
		SendMessage("bye", "text", map[string]any{"body": "Thanks!"}, "").
		Build()
	require.NoError(t, err)

	require.Equal(t, "onboarding", def.ID)
	require.Equal(t, "bot-1", def.BotID)
	require.True(t, def.Active)
	require.Equal(t, "greet", def.Entry())
	require.Len(t, def.Nodes, 6)

	ask, ok := def.Node("ask")
	require.True(t, ok)
	require.Equal(t, api.NodeSendMessage, ask.Type)
	require.True(t, ask.Config.(*api.SendMessageConfig).AwaitReply)

	pause, _ := def.Node("pause")
	require.Equal(t, api.NodeWait, pause.Type)
	require.Equal(t, 5, pause.Config.(*api.WaitConfig).Duration)
}

func TestFlowBuilder_EntryAndInactive(t *testing.T) {
	def, err := NewFlow("f", "bot-1").
		SendMessage("a", "text", map[string]any{"body": "a"}, "").
		SendMessage("b", "text", map[string]any{"body": "b"}, "").
		Entry("b").
		Inactive().
		Build()
	require.NoError(t, err)
	require.Equal(t, "b", def.Entry())
	require.False(t, def.Active)
}

func TestFlowBuilder_TypedAttributeAndWebhook(t *testing.T) {
	def, err := NewFlow("f", "bot-1").
		SetTypedAttribute("score", "score", "10", api.ValueNumber, "call").
		WebhookConfig("call", api.WebhookConfig{
			URL:         "https://api.example.com/notify",
			Method:      "PUT",
			MaxAttempts: 2,
		}, "").
		Build()
	require.NoError(t, err)

	set, _ := def.Node("score")
	require.Equal(t, api.ValueNumber, set.Config.(*api.SetAttributeConfig).ValueType)

	call, _ := def.Node("call")
	cfg := call.Config.(*api.WebhookConfig)
	require.Equal(t, "PUT", cfg.RequestMethod())
	require.Equal(t, 2, cfg.MaxAttempts)
}

func TestFlowBuilder_BuildRejectsDanglingEdge(t *testing.T) {
	_, err := NewFlow("broken", "bot-1").
		SendMessage("a", "text", map[string]any{"body": "a"}, "missing").
		Build()
	require.ErrorIs(t, err, ErrInvalidFlow)
}

func TestFlowBuilder_MustBuildPanics(t *testing.T) {
	require.Panics(t, func() {
		NewFlow("broken", "bot-1").MustBuild() // no nodes
	})
	require.Panics(t, func() {
		NewFlow("f", "bot-1").SendMessage("", "text", map[string]any{"body": "x"}, "")
	})
}
