package s3

import (
	"io/fs"

	"github.com/minio/minio-go/v7"
)

// translate maps S3 error responses onto fs errors. Anything else is
// returned as is.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fs.ErrNotExist
	case "AccessDenied":
		return fs.ErrPermission
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return fs.ErrExist
	}
	return err
}
