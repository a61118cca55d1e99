package contextwindow

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/session"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     Config{Budget: 8000, CharsPerToken: 4, MessageOverhead: 4},
			wantErr: false,
		},
		{
			name:    "zero budget",
			cfg:     Config{Budget: 0, CharsPerToken: 4},
			wantErr: true,
		},
		{
			name:    "negative budget",
			cfg:     Config{Budget: -1, CharsPerToken: 4},
			wantErr: true,
		},
		{
			name:    "negative overhead",
			cfg:     Config{Budget: 100, CharsPerToken: 4, MessageOverhead: -1},
			wantErr: true,
		},
		{
			name:    "zero chars per token defaults",
			cfg:     Config{Budget: 100},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.cfg, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEstimateMessage(t *testing.T) {
	m := newTestManager(t, Config{Budget: 1000, CharsPerToken: 4, MessageOverhead: 4})

	msg := core.NewMessage(core.RoleUser, strings.Repeat("a", 40))
	assert.Equal(t, 14, m.EstimateMessage(msg))

	empty := core.NewMessage(core.RoleUser, "")
	assert.Equal(t, 4, m.EstimateMessage(empty))
}

func TestEstimateSchemas(t *testing.T) {
	m := newTestManager(t, Config{Budget: 1000, CharsPerToken: 4, MessageOverhead: 4})

	assert.Equal(t, 0, m.EstimateSchemas(nil))

	schema := core.ToolSchema{
		Name:        "read_file",
		Description: "Read a file from the workspace",
		Parameters: []core.ToolParameter{
			{Name: "path", Type: "string", Description: "relative path", Required: true},
		},
	}
	cost := m.EstimateSchemas([]core.ToolSchema{schema})
	assert.Greater(t, cost, 0)

	double := m.EstimateSchemas([]core.ToolSchema{schema, schema})
	assert.Equal(t, 2*cost, double)
}

func TestBuildKeepsEverythingUnderBudget(t *testing.T) {
	m := newTestManager(t, Config{Budget: 1000, CharsPerToken: 1, MessageOverhead: 0})

	sess := session.New("")
	require.NoError(t, sess.Append(core.NewMessage(core.RoleSystem, "System")))
	require.NoError(t, sess.Append(core.NewMessage(core.RoleUser, "hello")))
	require.NoError(t, sess.Append(core.NewMessage(core.RoleAssistant, "hi there")))

	res, err := m.Build(sess, nil)
	require.NoError(t, err)

	require.Len(t, res.Messages, 3)
	assert.Equal(t, core.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "hello", res.Messages[1].Content)
	assert.Equal(t, "hi there", res.Messages[2].Content)
	assert.Nil(t, res.Truncation)
	assert.Equal(t, len("System")+len("hello")+len("hi there"), res.TokensUsed)
	assert.Equal(t, res.Budget-res.TokensUsed, res.Headroom)
	assert.Empty(t, sess.Truncations())
}

func TestBuildDropsOldestUnderPressure(t *testing.T) {
	// Budget 80, one char per token, zero overhead. The system message
	// costs 6, leaving 74 for conversation. Five 20-char messages cost
	// 100, so only the three most recent fit.
	m := newTestManager(t, Config{Budget: 80, CharsPerToken: 1, MessageOverhead: 0})

	sess := session.New("")
	require.NoError(t, sess.Append(core.NewMessage(core.RoleSystem, "System")))
	for i := 0; i < 5; i++ {
		content := strings.Repeat(string(rune('a'+i)), 20)
		require.NoError(t, sess.Append(core.NewMessage(core.RoleUser, content)))
	}

	res, err := m.Build(sess, nil)
	require.NoError(t, err)

	require.Len(t, res.Messages, 4)
	assert.Equal(t, core.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, strings.Repeat("c", 20), res.Messages[1].Content)
	assert.Equal(t, strings.Repeat("d", 20), res.Messages[2].Content)
	assert.Equal(t, strings.Repeat("e", 20), res.Messages[3].Content)

	require.NotNil(t, res.Truncation)
	assert.Equal(t, 2, res.Truncation.DroppedMessages)
	assert.Equal(t, 40, res.Truncation.DroppedTokens)
	assert.Equal(t, strings.Repeat("a", 20), res.Truncation.OldestPreview)
	assert.False(t, res.Truncation.Timestamp.IsZero())

	events := sess.Truncations()
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].DroppedMessages)

	assert.LessOrEqual(t, res.TokensUsed, res.Budget)
	assert.GreaterOrEqual(t, res.Headroom, 0)
}

func TestBuildSystemMessageAlwaysReserved(t *testing.T) {
	// System message alone nearly fills the budget. Conversation still
	// keeps its newest message even when that overshoots.
	m := newTestManager(t, Config{Budget: 30, CharsPerToken: 1, MessageOverhead: 0})

	sess := session.New("")
	require.NoError(t, sess.Append(core.NewMessage(core.RoleSystem, strings.Repeat("s", 28))))
	require.NoError(t, sess.Append(core.NewMessage(core.RoleUser, "old message here")))
	require.NoError(t, sess.Append(core.NewMessage(core.RoleUser, "newest question")))

	res, err := m.Build(sess, nil)
	require.NoError(t, err)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, core.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "newest question", res.Messages[1].Content)
	assert.Negative(t, res.Headroom)

	require.NotNil(t, res.Truncation)
	assert.Equal(t, 1, res.Truncation.DroppedMessages)
}

func TestBuildOversizedSingleMessageKept(t *testing.T) {
	m := newTestManager(t, Config{Budget: 50, CharsPerToken: 1, MessageOverhead: 0})

	sess := session.New("")
	require.NoError(t, sess.Append(core.NewMessage(core.RoleUser, strings.Repeat("x", 200))))

	res, err := m.Build(sess, nil)
	require.NoError(t, err)

	require.Len(t, res.Messages, 1)
	assert.Equal(t, 200, res.TokensUsed)
	assert.Equal(t, -150, res.Headroom)
	assert.Nil(t, res.Truncation)
}

func TestBuildSchemaCostSubtracted(t *testing.T) {
	m := newTestManager(t, Config{Budget: 200, CharsPerToken: 1, MessageOverhead: 0})

	sess := session.New("")
	for i := 0; i < 4; i++ {
		require.NoError(t, sess.Append(core.NewMessage(core.RoleUser, strings.Repeat("m", 40))))
	}

	// Without schemas all four fit (160 <= 200).
	res, err := m.Build(sess, nil)
	require.NoError(t, err)
	assert.Len(t, res.Messages, 4)
	assert.Nil(t, res.Truncation)

	schema := core.ToolSchema{
		Name:        "shell",
		Description: strings.Repeat("d", 40),
		Parameters: []core.ToolParameter{
			{Name: "command", Type: "string", Description: "command to run", Required: true},
		},
	}
	schemaCost := m.EstimateSchemas([]core.ToolSchema{schema})
	require.Greater(t, schemaCost, 40)

	// With the schema payload charged up front, at least one message
	// must be dropped.
	res, err = m.Build(sess, []core.ToolSchema{schema})
	require.NoError(t, err)
	assert.Less(t, len(res.Messages), 4)
	require.NotNil(t, res.Truncation)
	assert.Equal(t, schemaCost, res.SchemaTokens)
}

func TestBuildNoSystemMessage(t *testing.T) {
	m := newTestManager(t, Config{Budget: 100, CharsPerToken: 1, MessageOverhead: 0})

	sess := session.New("")
	require.NoError(t, sess.Append(core.NewMessage(core.RoleUser, "question")))
	require.NoError(t, sess.Append(core.NewMessage(core.RoleAssistant, "answer")))

	res, err := m.Build(sess, nil)
	require.NoError(t, err)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, core.RoleUser, res.Messages[0].Role)
}

func TestBuildEmptySession(t *testing.T) {
	m := newTestManager(t, Config{Budget: 100, CharsPerToken: 1, MessageOverhead: 0})

	sess := session.New("")

	res, err := m.Build(sess, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Equal(t, 0, res.TokensUsed)
	assert.Nil(t, res.Truncation)
}

func TestBuildNilSession(t *testing.T) {
	m := newTestManager(t, Config{Budget: 100, CharsPerToken: 1})

	_, err := m.Build(nil, nil)
	assert.Error(t, err)
}

func TestBuildDeterministic(t *testing.T) {
	m := newTestManager(t, Config{Budget: 80, CharsPerToken: 1, MessageOverhead: 2})

	sess := session.New("")
	require.NoError(t, sess.Append(core.NewMessage(core.RoleSystem, "System")))
	for i := 0; i < 6; i++ {
		require.NoError(t, sess.Append(core.NewMessage(core.RoleUser, strings.Repeat("z", 15))))
	}

	first, err := m.Build(sess, nil)
	require.NoError(t, err)
	second, err := m.Build(sess, nil)
	require.NoError(t, err)

	require.Equal(t, len(first.Messages), len(second.Messages))
	for i := range first.Messages {
		assert.Equal(t, first.Messages[i].Content, second.Messages[i].Content)
	}
	assert.Equal(t, first.TokensUsed, second.TokensUsed)
}
