package marshal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDictionaryBind(t *testing.T) {
	dict, err := NewDictionary(Bindings{"core/greet": greet})
	require.NoError(t, err)

	v, ok := dict.Lookup("core/greet")
	require.True(t, ok)
	assert.NotNil(t, v)

	name, ok := dict.NameOf(greet)
	require.True(t, ok)
	assert.Equal(t, "core/greet", name)

	_, ok = dict.NameOf(double)
	assert.False(t, ok)

	assert.Error(t, dict.Bind("core/greet", double), "duplicate name")
	assert.Error(t, dict.Bind("", double), "empty name")
	assert.Error(t, dict.Bind("core/nil", nil), "nil value")
	assert.NoError(t, dict.Bind("core/double", double))
}

func TestDictionaryScalarsAreNotIdentities(t *testing.T) {
	dict, err := NewDictionary(Bindings{"answer": 42})
	require.NoError(t, err)

	_, ok := dict.NameOf(42)
	assert.False(t, ok, "plain values cross by copy, not by name")

	v, ok := dict.Lookup("answer")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestDictionaryTypes(t *testing.T) {
	dict, err := NewDictionary(Bindings{
		"point":      TypeOf(point{}),
		"core/greet": greet,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"core/greet", "point"}, dict.Names())
	assert.Error(t, dict.RegisterType("point", TypeOf(point{})))
	assert.Error(t, dict.RegisterType("core/greet", TypeOf(point{})))
	assert.Error(t, dict.Bind("point", double))
}

func TestNewDictionaryIsPerHeap(t *testing.T) {
	bindings := Bindings{"core/greet": greet}

	a, err := NewDictionary(bindings)
	require.NoError(t, err)
	b, err := NewDictionary(bindings)
	require.NoError(t, err)

	require.NoError(t, a.Bind("local", double))
	_, ok := b.Lookup("local")
	assert.False(t, ok)
}
