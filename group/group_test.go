package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlatten_ProducesAlternatingKeyValuePairs(t *testing.T) {
	out := flatten(map[string]string{"a": "1"})
	assert.Equal(t, []interface{}{"a", "1"}, out)
}

func TestFlatten_EmptyMapProducesEmptySlice(t *testing.T) {
	out := flatten(map[string]string{})
	assert.Empty(t, out)
}

func TestFlatten_CoversEveryPair(t *testing.T) {
	in := map[string]string{"a": "1", "b": "2", "c": "3"}
	out := flatten(in)
	assert.Len(t, out, len(in)*2)

	seen := make(map[string]string)
	for i := 0; i < len(out); i += 2 {
		seen[out[i].(string)] = out[i+1].(string)
	}
	assert.Equal(t, in, seen)
}
