package discovery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionIDTopBit(t *testing.T) {
	for i := 0; i < 64; i++ {
		id := NewSessionID()
		require.False(t, id.IsZero())
		require.Equal(t, byte(0x80), id[0]&0x80)

		parsed, err := ParseSessionID(id.String())
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	}

	assert.True(t, ZeroSessionID.IsZero())

	_, err := ParseSessionID("abc")
	require.Error(t, err)
	_, err = ParseSessionID("zz000000000000000000000000000000")
	require.Error(t, err)
}

func TestGameDataOrderedDocument(t *testing.T) {
	g := NewGameData()
	g.Set("Map", "dam")
	g.Set("Score", 5)
	g.Set("Mode", "ctf")
	g.Set("Score", 6)

	buf, err := json.Marshal(g)
	require.NoError(t, err)
	assert.Equal(t, `{"Map":"dam","Score":6,"Mode":"ctf"}`, string(buf))

	g.Delete("Map")
	g.Delete("Missing")
	assert.Equal(t, []string{"Score", "Mode"}, g.Keys())

	decoded := NewGameData()
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":{"nested":true},"m":[1,2]}`), decoded))
	assert.Equal(t, []string{"z", "a", "m"}, decoded.Keys())
	nested, _ := decoded.Get("a")
	assert.Equal(t, map[string]any{"nested": true}, nested)

	require.Error(t, json.Unmarshal([]byte(`[1]`), NewGameData()))
	require.Error(t, json.Unmarshal([]byte(`"text"`), NewGameData()))
}

func TestGameDataMergeAndClone(t *testing.T) {
	base := NewGameData()
	base.Set("Score", 1)
	base.Set("Map", "dam")

	update := NewGameData()
	update.Set("Score", 2)
	update.Set("Players", 4)

	clone := base.Clone()
	base.Merge(update)

	assert.Equal(t, []string{"Score", "Map", "Players"}, base.Keys())
	score, _ := base.Get("Score")
	assert.Equal(t, 2, score)

	assert.Equal(t, 2, clone.Len())
	score, _ = clone.Get("Score")
	assert.Equal(t, 1, score)
}
