package storage

import "time"

type (
	Bucket = bucket
	Object = object
)

// NewGCSStoreWithBucket builds a GCSStore on b with a short upload backoff.
func NewGCSStoreWithBucket(b Bucket, prefix, tempDir string, opts ...Option) (*GCSStore, error) {
	s, err := newGCSStore(b, prefix, tempDir, opts...)
	if err != nil {
		return nil, err
	}
	s.backoff = time.Millisecond
	return s, nil
}
