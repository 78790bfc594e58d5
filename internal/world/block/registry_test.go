package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryMatchesConstants(t *testing.T) {
	r := DefaultRegistry()

	for name, id := range map[string]BlockID{
		"air":   AirBlockID,
		"stone": StoneBlockID,
		"grass": GrassBlockID,
		"dirt":  DirtBlockID,
		"sand":  SandBlockID,
		"water": WaterBlockID,
		"glass": GlassBlockID,
	} {
		got, ok := r.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, id, got, name)
	}

	assert.False(t, r.IsSolid(AirBlockID))
	assert.False(t, r.IsOpaque(AirBlockID))
	assert.True(t, r.IsSolid(GlassBlockID))
	assert.False(t, r.IsOpaque(GlassBlockID))
	assert.True(t, r.IsSolid(BlockID(60000)), "неизвестный блок должен быть твёрдым")
}

func TestParseRegistryKeepsAirFirst(t *testing.T) {
	data := []byte(`
blocks:
  - name: air
  - name: brick
    solid: true
    opaque: true
  - name: leaves
    solid: true
`)
	r, err := ParseRegistry(data)
	require.NoError(t, err)

	assert.Equal(t, 3, r.Len())
	brick, ok := r.Lookup("brick")
	require.True(t, ok)
	assert.Equal(t, BlockID(1), brick)

	d, ok := r.Get(2)
	require.True(t, ok)
	assert.Equal(t, "leaves", d.Name)
	assert.True(t, d.Solid)
	assert.False(t, d.Opaque)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(Descriptor{Name: "stone", Solid: true})
	require.NoError(t, err)
	_, err = r.Register(Descriptor{Name: "stone"})
	assert.Error(t, err)
}
