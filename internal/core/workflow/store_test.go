package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

const sampleWorkflow = `{
  "3": {
    "class_type": "KSampler",
    "inputs": {"seed": 42, "steps": 20, "model": ["4", 0]}
  },
  "6": {
    "class_type": "CLIPTextEncode",
    "inputs": {"text": "a beautiful scenery", "clip": ["4", 1]}
  }
}`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "sdxl_t2i.json"), []byte(sampleWorkflow), 0o644)
	require.NoError(t, err)

	store := NewStore(dir)
	require.NoError(t, store.Load())
	return store
}

func TestStore_Resolve(t *testing.T) {
	store := newTestStore(t)

	graph, err := store.Resolve("sdxl_t2i", Modifications{
		"6": {"text": "a red fox"},
	})
	require.NoError(t, err)

	assert.Equal(t, "a red fox", graph["6"].Inputs["text"])
	assert.Equal(t, 20, int(graph["3"].Inputs["steps"].(float64)))
}

func TestStore_ResolveUnknownWorkflow(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Resolve("nope", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestStore_ResolveUnknownNode(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Resolve("sdxl_t2i", Modifications{
		"99": {"text": "a red fox"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestStore_ResolveUnknownField(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Resolve("sdxl_t2i", Modifications{
		"6": {"prompt": "a red fox"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestStore_ResolveDoesNotMutateTemplate(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Resolve("sdxl_t2i", Modifications{
		"6": {"text": "mutated"},
	})
	require.NoError(t, err)

	clean, err := store.Resolve("sdxl_t2i", nil)
	require.NoError(t, err)
	assert.Equal(t, "a beautiful scenery", clean["6"].Inputs["text"])
}

func TestStore_ResolveCopiesNestedArrayElements(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "chained.json"), []byte(`{
	  "1": {
	    "class_type": "ImageBatch",
	    "inputs": {"images": [{"filename": "a.png", "weights": [0.5, 0.5]}]}
	  }
	}`), 0o644)
	require.NoError(t, err)

	store := NewStore(dir)
	require.NoError(t, store.Load())

	graph, err := store.Resolve("chained", nil)
	require.NoError(t, err)

	// Mutating a map nested inside an array must not reach the template.
	images := graph["1"].Inputs["images"].([]any)
	images[0].(map[string]any)["filename"] = "mutated.png"

	clean, err := store.Resolve("chained", nil)
	require.NoError(t, err)
	cleanImages := clean["1"].Inputs["images"].([]any)
	assert.Equal(t, "a.png", cleanImages[0].(map[string]any)["filename"])
}

func TestStore_ResolveConcurrent(t *testing.T) {
	store := newTestStore(t)

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := store.Resolve("sdxl_t2i", Modifications{
				"6": {"text": "concurrent"},
			})
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		assert.NoError(t, <-done)
	}
}

func TestStore_Names(t *testing.T) {
	store := newTestStore(t)
	assert.Equal(t, []string{"sdxl_t2i"}, store.Names())
}
