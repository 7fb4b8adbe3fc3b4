package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("Push with task and err", func(t *testing.T) {
		raw := `{"session":"s1","task":"14","event":"dop_products_list","params":{"err":0,"phase":2,"original_session":"s0"}}`

		env, err := Decode([]byte(raw))
		require.NoError(t, err)

		assert.Equal(t, "s1", env.Session)
		assert.Equal(t, "14", env.TaskID())
		assert.Equal(t, KindProductsList, env.Kind())
		assert.Equal(t, 0, env.ErrCode())
		phase, ok := env.Phase()
		assert.True(t, ok)
		assert.Equal(t, 2, phase)
		assert.Equal(t, "s0", env.OriginalSession())
	})

	t.Run("Missing task is null", func(t *testing.T) {
		env, err := Decode([]byte(`{"session":"s1","event":"log","params":{}}`))
		require.NoError(t, err)
		assert.Nil(t, env.Task)
		assert.Equal(t, "", env.TaskID())
		_, ok := env.Phase()
		assert.False(t, ok)
	})

	t.Run("Non-zero err", func(t *testing.T) {
		env, err := Decode([]byte(`{"session":"s1","event":"error","params":{"err":7}}`))
		require.NoError(t, err)
		assert.Equal(t, 7, env.ErrCode())
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		_, err := Decode([]byte(`{"session":`))
		assert.Error(t, err)
	})

	t.Run("Missing event", func(t *testing.T) {
		_, err := Decode([]byte(`{"session":"s1","params":{}}`))
		assert.Error(t, err)
	})
}

func TestEncodeNullTask(t *testing.T) {
	env := NewEnvelope("s1", string(KindPurposeList))
	data, err := env.Encode()
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	v, ok := generic["task"]
	assert.True(t, ok, "task key must always be present")
	assert.Nil(t, v)
}

func TestEnvelopeClone(t *testing.T) {
	orig := &Envelope{
		Session: "s1",
		Event:   string(KindProductsList),
		Params: map[string]any{
			"set_range": map[string]any{"from": 0, "to": 20},
			"filter":    map[string]any{},
			"tags":      []any{"a", map[string]any{"b": 1}},
		},
	}
	orig.SetTask("9")

	clone := orig.Clone()
	require.Equal(t, orig, clone)

	clone.Params["set_range"].(map[string]any)["to"] = 99
	clone.Params["tags"].([]any)[1].(map[string]any)["b"] = 2
	clone.Params["filter"].(map[string]any)["x"] = "y"
	*clone.Task = "10"

	assert.Equal(t, 20, orig.Params["set_range"].(map[string]any)["to"])
	assert.Equal(t, 1, orig.Params["tags"].([]any)[1].(map[string]any)["b"])
	assert.Empty(t, orig.Params["filter"])
	assert.Equal(t, "9", orig.TaskID())
}

func TestKinds(t *testing.T) {
	for _, k := range Operations() {
		assert.True(t, k.Known(), k)
		assert.False(t, k.Sentinel(), k)
	}
	assert.True(t, KindOther.Known())
	assert.True(t, KindOther.Sentinel())
	assert.False(t, Kind("dop_unknown").Known())

	assert.True(t, KindClientReady.Bootstrap())
	assert.True(t, KindCipherSuiteSelection.Bootstrap())
	assert.False(t, KindProductsList.Bootstrap())
	assert.Len(t, Operations(), 25)
}
