package medial

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	digest string
	err    error
	calls  int
}

func (f *fakeProducer) InputHash(ctx context.Context) (string, error) {
	f.calls++
	return f.digest, f.err
}

func TestBindProducerOnce(t *testing.T) {
	m := New("/tmp/whatever")
	require.NoError(t, m.BindProducer(&fakeProducer{digest: "a"}))
	assert.ErrorIs(t, m.BindProducer(&fakeProducer{digest: "b"}), ErrAlreadyBound)
}

func TestBindConsumerRejectsDuplicate(t *testing.T) {
	m := New("/tmp/whatever")
	c := &fakeProducer{digest: "c"}
	require.NoError(t, m.BindConsumer(c))
	assert.ErrorIs(t, m.BindConsumer(c), ErrAlreadyBound)
}

func TestInputHashUsesProducerWhenBound(t *testing.T) {
	m := New("/tmp/whatever")
	p := &fakeProducer{digest: "producer-hash"}
	require.NoError(t, m.BindProducer(p))

	digest, err := m.InputHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "producer-hash", digest)

	// Memoized: calling again must not re-invoke the producer.
	_, err = m.InputHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestInputHashFallsBackToContentHash(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	m := New(p)
	digest, err := m.InputHash(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, digest)
}

func TestExistsReflectsFilesystem(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "file.txt")
	m := New(p)
	assert.False(t, m.Exists())

	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	assert.True(t, m.Exists())
}

func TestRegistryReturnsSameMedialForSameValue(t *testing.T) {
	reg := NewRegistry()
	a := reg.Get("/tmp/out.bin")
	b := reg.Get("/tmp/out.bin")
	assert.Same(t, a, b)
	assert.NotSame(t, a, reg.Get("/tmp/other.bin"))
	assert.Len(t, reg.All(), 2)
}
