package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveEdgeInputMappedPaths(t *testing.T) {
	output := map[string]interface{}{
		"user": map[string]interface{}{
			"name":  "ada",
			"email": "ada@example.com",
		},
		"score": float64(42),
	}

	partial := ResolveEdgeInput(map[string]string{
		"who":    "user.name",
		"points": "score",
		"tier":   "gold", // unresolvable path: literal
	}, output)

	assert.Equal(t, "ada", partial["who"])
	assert.Equal(t, float64(42), partial["points"])
	assert.Equal(t, "gold", partial["tier"])
}

func TestResolveEdgeInputPassThrough(t *testing.T) {
	output := map[string]interface{}{"a": float64(1), "b": "two"}
	partial := ResolveEdgeInput(nil, output)
	assert.Equal(t, output, partial)

	// Mutating the partial must not alias the output.
	partial["a"] = float64(9)
	assert.Equal(t, float64(1), output["a"])
}

func TestResolveEdgeInputPrimitivePassThrough(t *testing.T) {
	partial := ResolveEdgeInput(nil, "a-done")
	assert.Equal(t, map[string]interface{}{"input": "a-done"}, partial)

	assert.Empty(t, ResolveEdgeInput(nil, nil))
}

func TestMergeNodeOutputMaps(t *testing.T) {
	input := map[string]interface{}{"prompt": "hi", "shared": "from-input"}
	output := map[string]interface{}{"answer": "yo", "shared": "from-output"}

	merged := MergeNodeOutput(input, output).(map[string]interface{})
	assert.Equal(t, "hi", merged["prompt"])
	assert.Equal(t, "yo", merged["answer"])
	assert.Equal(t, "from-output", merged["shared"])
}

func TestMergeNodeOutputPrimitive(t *testing.T) {
	// Raw primitive with no stored input stays raw.
	assert.Equal(t, "done", MergeNodeOutput(nil, "done"))

	// Primitive meeting a stored input becomes a structured record.
	merged := MergeNodeOutput(map[string]interface{}{"branch": "a"}, "a-done")
	record := merged.(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"branch": "a"}, record["input"])
	assert.Equal(t, "a-done", record["output"])
}
