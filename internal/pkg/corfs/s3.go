package corfs

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// S3FileSystem stores checkpoint manifests in an S3 bucket. It is a
// trimmed-down descendant of corral's MinioFileSystem: whole-object
// get/put instead of chunked multipart streaming (checkpoint manifests
// are small compared to simulation data), same object-metadata LRU cache.
type S3FileSystem struct {
	client      *s3.S3
	objectCache *lru.Cache
}

func (s *S3FileSystem) Init() error {
	region := viper.GetString("s3Region")
	if region == "" {
		region = "us-east-1"
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return fmt.Errorf("corfs: failed to create s3 session: %w", err)
	}
	s.client = s3.New(sess)
	s.objectCache, err = lru.New(10000)
	if err != nil {
		return err
	}
	log.Debugf("corfs: s3 filesystem ready in region %s", region)
	return nil
}

func parseS3URL(uri string) (bucket, key string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	if parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("corfs: invalid s3 url %q", uri)
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
}

func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	bucket, prefix, err := parseS3URL(pathGlob)
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "*")

	infos := make([]FileInfo, 0)
	err = s.client.ListObjectsPages(&s3.ListObjectsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsOutput, _ bool) bool {
		for _, obj := range page.Contents {
			name := fmt.Sprintf("s3://%s/%s", bucket, *obj.Key)
			infos = append(infos, FileInfo{Name: name, Size: *obj.Size})
			s.objectCache.Add(name, *obj.Size)
		}
		return true
	})
	return infos, err
}

func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	if cached, ok := s.objectCache.Get(filePath); ok {
		return FileInfo{Name: filePath, Size: cached.(int64)}, nil
	}
	bucket, key, err := parseS3URL(filePath)
	if err != nil {
		return FileInfo{}, err
	}
	head, err := s.client.HeadObject(&s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return FileInfo{}, err
	}
	s.objectCache.Add(filePath, *head.ContentLength)
	return FileInfo{Name: filePath, Size: *head.ContentLength}, nil
}

func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(filePath)
	if err != nil {
		return nil, err
	}
	input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if startAt > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", startAt))
	}
	out, err := s.client.GetObject(input)
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// s3WriteCloser buffers a whole object in memory and uploads it on Close,
// matching corral's write-then-flush s3/minio writer semantics.
type s3WriteCloser struct {
	buf    bytes.Buffer
	bucket string
	key    string
	client *s3.S3
}

func (w *s3WriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *s3WriteCloser) Close() error {
	_, err := w.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	return err
}

func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	bucket, key, err := parseS3URL(filePath)
	if err != nil {
		return nil, err
	}
	return &s3WriteCloser{bucket: bucket, key: key, client: s.client}, nil
}

func (s *S3FileSystem) Delete(filePath string) error {
	bucket, key, err := parseS3URL(filePath)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(&s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return err
}

func (s *S3FileSystem) Join(elem ...string) string {
	stripped := make([]string, len(elem))
	for i, e := range elem {
		stripped[i] = strings.Trim(e, "/")
	}
	return strings.Join(stripped, "/")
}
