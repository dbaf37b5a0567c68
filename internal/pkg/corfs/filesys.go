// Package corfs is the durable-storage collaborator behind checkpointing:
// the controller writes a checkpoint manifest here at each prepare-rewind,
// on a configurable interval; nothing reads a manifest back. Nimbus's
// checkpoint contents (which physical instances and job versions were
// live) are out of the core's scope per the spec; this package only needs
// to move a manifest blob in and out of somewhere durable, so it keeps
// corral's FileSystem interface almost unchanged -- corral used the same
// interface to read job input files from local disk or S3.
package corfs

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// FileSystemType is an identifier for supported FileSystems.
type FileSystemType int

// Identifiers for supported FileSystemTypes.
const (
	Local FileSystemType = iota
	S3
)

// FileSystem is a small durable-storage abstraction, letting the
// checkpoint store target local disk or S3 without the controller caring.
type FileSystem interface {
	ListFiles(pathGlob string) ([]FileInfo, error)
	Stat(filePath string) (FileInfo, error)
	OpenReader(filePath string, startAt int64) (io.ReadCloser, error)
	OpenWriter(filePath string) (io.WriteCloser, error)
	Delete(filePath string) error
	Join(elem ...string) string
	Init() error
}

// FileInfo describes a file's identity and size.
type FileInfo struct {
	Name string
	Size int64
}

// InitFilesystem initializes a filesystem of the given type.
func InitFilesystem(fsType FileSystemType) (FileSystem, error) {
	var fs FileSystem
	switch fsType {
	case Local:
		log.Debug("corfs: using local checkpoint storage")
		fs = &LocalFileSystem{}
	case S3:
		log.Debug("corfs: using s3 checkpoint storage")
		fs = &S3FileSystem{}
	default:
		return nil, fmt.Errorf("corfs: unknown filesystem type %d", fsType)
	}
	return fs, fs.Init()
}

// InferFilesystem initializes a filesystem by inferring its type from a
// location, e.g. "s3://bucket/key" resolves to an S3FileSystem.
func InferFilesystem(location string) (FileSystem, error) {
	if strings.HasPrefix(location, "s3://") {
		return InitFilesystem(S3)
	}
	return InitFilesystem(Local)
}
