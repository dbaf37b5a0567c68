package corfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferFilesystem(t *testing.T) {
	fs, err := InferFilesystem("s3://bucket/checkpoint-1")
	require.NoError(t, err)
	assert.IsType(t, &S3FileSystem{}, fs)

	fs, err = InferFilesystem(filepath.Join(t.TempDir(), "checkpoint-1"))
	require.NoError(t, err)
	assert.IsType(t, &LocalFileSystem{}, fs)
}

func TestLocalFileSystemRoundTrip(t *testing.T) {
	root := t.TempDir()
	fs := &LocalFileSystem{root: root}
	require.NoError(t, fs.Init())

	w, err := fs.OpenWriter("checkpoint-3.manifest")
	require.NoError(t, err)
	_, err = w.Write([]byte("checkpoint payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := fs.Stat("checkpoint-3.manifest")
	require.NoError(t, err)
	assert.EqualValues(t, len("checkpoint payload"), info.Size)

	r, err := fs.OpenReader("checkpoint-3.manifest", 0)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint payload", string(data))
	r.Close()

	files, err := fs.ListFiles("*.manifest")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, fs.Delete("checkpoint-3.manifest"))
	_, err = os.Stat(filepath.Join(root, "checkpoint-3.manifest"))
	assert.True(t, os.IsNotExist(err))
}
