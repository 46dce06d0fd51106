package audit

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	puts    int
}

func (m *memoryObjects) PutObject(_ context.Context, key string, content io.Reader, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	m.puts++
	return nil
}

func (m *memoryObjects) ObjectExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func TestArchiver_UploadsRotatedFilesOnly(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "audit.log")
	writeFile(t, active, `{"id":"active"}`+"\n")
	writeFile(t, filepath.Join(dir, "audit-20260301T100000.000000000.log"), `{"id":"a"}`+"\n")
	writeFile(t, filepath.Join(dir, "audit-20260302T100000.000000000.log"), `{"id":"b"}`+"\n")

	store := &memoryObjects{}
	a := NewArchiver(store, active, "audit/")

	pending, err := a.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, `{"id":"a"}`+"\n", string(store.objects["audit/audit-20260301T100000.000000000.log"]))

	pending, err = a.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = os.Stat(active)
	assert.NoError(t, err, "active file must stay")
}

func TestArchiver_KeepsFileWhenUploadFails(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "audit.log")
	rotated := filepath.Join(dir, "audit-20260301T100000.000000000.log")
	writeFile(t, rotated, "x\n")

	store := &memoryObjects{putErr: errors.New("bucket unavailable")}
	n, err := NewArchiver(store, active, "").Run(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)

	_, statErr := os.Stat(rotated)
	assert.NoError(t, statErr)
}

func TestArchiver_SkipsAlreadyUploaded(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "audit.log")
	rotated := filepath.Join(dir, "audit-20260301T100000.000000000.log")
	writeFile(t, rotated, "x\n")

	store := &memoryObjects{objects: map[string][]byte{"audit-20260301T100000.000000000.log": []byte("x\n")}}
	n, err := NewArchiver(store, active, "").Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, store.puts)

	_, statErr := os.Stat(rotated)
	assert.True(t, os.IsNotExist(statErr))
}

func TestArchiver_WithRotatingFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewFileLogger(FileLoggerConfig{Path: path, MaxSize: 64})
	require.NoError(t, err)
	defer l.Close()

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, l.Log(context.Background(), sampleEntry(id)))
	}

	store := &memoryObjects{}
	n, err := NewArchiver(store, path, "audit/").Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Len(t, store.objects, n)
}
