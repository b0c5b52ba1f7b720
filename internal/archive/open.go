package archive

import (
	"context"
	"fmt"
	"os"
)

// Environment variables read by Open.
const (
	EnvDriver   = "EMPIRECORE_ARCHIVE_DRIVER"
	EnvFSRoot   = "EMPIRECORE_ARCHIVE_FS_ROOT"
	EnvS3Bucket = "EMPIRECORE_ARCHIVE_S3_BUCKET"
	EnvS3Prefix = "EMPIRECORE_ARCHIVE_S3_PREFIX"
	EnvS3Region = "EMPIRECORE_ARCHIVE_S3_REGION"
	// EnvS3Endpoint points at an alternative S3 API host and switches the
	// client to path-style addressing.
	EnvS3Endpoint = "EMPIRECORE_ARCHIVE_S3_ENDPOINT"
)

// Open selects a Store from the environment. An unset driver yields the
// in-memory store.
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv(EnvDriver)
	switch driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverFS:
		return NewFS(os.Getenv(EnvFSRoot))
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:       os.Getenv(EnvS3Bucket),
			Prefix:       os.Getenv(EnvS3Prefix),
			Region:       os.Getenv(EnvS3Region),
			Endpoint:     os.Getenv(EnvS3Endpoint),
			UsePathStyle: os.Getenv(EnvS3Endpoint) != "",
		})
	default:
		return nil, fmt.Errorf("archive: unknown driver %q", driver)
	}
}
