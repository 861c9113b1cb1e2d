package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/dichfoto/photostore/utils"
)

// DANGER DANGER DANGER
// the recommended part size is 5MB but Glacier Deep Archive repacks with 16777216 byte parts and recalculates the ETag,
// so anything else means ETags that change under you
const s3PartSize = 1 << 24

const presignExpiry = 15 * time.Minute

type Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	KeyID     string
	SecretKey string
	PathStyle bool
	Policy    retry.Policy

	HTTPClient *http.Client // optional
}

// S3 is a bucket used as the remote backend. Folders are key prefixes with a zero byte "name/" marker,
// object IDs are full keys.
type S3 struct {
	bucket   string
	endpoint string
	client   *s3.Client
	presign  *s3.PresignClient
	http     *http.Client
	policy   retry.Policy
}

var _ storage_base.Remote = (*S3)(nil)

func New(opts Options) *S3 {
	endpoint := opts.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		// "backblazeb2.com" style shorthand, region gets filled in
		endpoint = "https://s3." + opts.Region + "." + endpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	client := s3.New(s3.Options{
		Region:      opts.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(opts.KeyID, opts.SecretKey, "")),
		// Oracle Cloud can't do SNI for bucket subdomains, path style works everywhere
		UsePathStyle: opts.PathStyle || strings.Contains(endpoint, "oraclecloud"),
		HTTPClient:   httpClient,
		// retries happen in our retry package so they are logged and capped the same way for every backend
		Retryer: aws.NopRetryer{},
	}, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3{
		bucket:   opts.Bucket,
		endpoint: endpoint,
		client:   client,
		presign:  s3.NewPresignClient(client),
		http:     httpClient,
		policy:   opts.Policy,
	}
}

func translate(op string, err error) error {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %v", &retry.StatusError{Code: re.HTTPStatusCode(), Op: op}, err)
	}
	return err
}

func isStatus(err error, code int) bool {
	var re *smithyhttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == code
}

func join(parent string, name string) string {
	parent = strings.Trim(parent, "/")
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// EnsureFolder makes sure the "parent/name/" marker exists
func (remote *S3) EnsureFolder(ctx context.Context, parentID string, name string) (string, error) {
	prefix := join(parentID, name)
	marker := prefix + "/"
	var exists bool
	err := retry.Do(ctx, remote.policy, "head "+marker, func(ctx context.Context) error {
		_, err := remote.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(remote.bucket),
			Key:    aws.String(marker),
		})
		if err == nil {
			exists = true
			return nil
		}
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		return translate("head "+marker, err)
	})
	if err != nil || exists {
		return prefix, err
	}
	err = retry.Do(ctx, remote.policy, "put "+marker, func(ctx context.Context) error {
		_, err := remote.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(remote.bucket),
			Key:           aws.String(marker),
			Body:          strings.NewReader(""),
			ContentLength: aws.Int64(0),
		})
		return translate("put "+marker, err)
	})
	if err != nil {
		return "", err
	}
	log.Println("Created S3 folder marker", marker)
	return prefix, nil
}

// Upload is a single attempt. The ETag S3 reports has to match what we calculated while streaming.
func (remote *S3) Upload(ctx context.Context, folderID string, name string, mimeType string, data io.Reader) (string, error) {
	key := join(folderID, name)
	log.Println("Path is", key)
	calc := NewETagWriter()
	uploader := manager.NewUploader(remote.client, func(u *manager.Uploader) {
		u.PartSize = s3PartSize
	})
	result, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(remote.bucket),
		Key:         aws.String(key),
		Body:        io.TeeReader(data, calc),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		log.Println("s3 error", err)
		return "", translate("upload "+key, err)
	}
	log.Println("Upload output:", result.Location)
	meta, err := remote.Metadata(ctx, key)
	if err != nil {
		return "", err
	}
	if meta.Checksum != calc.ETag() || meta.Size != calc.Size() {
		return "", fmt.Errorf("%w: s3 stored %s with etag %s size %d, expected %s size %d", storage_base.ErrRemoteUnavailable, key, meta.Checksum, meta.Size, calc.ETag(), calc.Size())
	}
	return key, nil
}

func (remote *S3) Metadata(ctx context.Context, objectID string) (storage_base.Metadata, error) {
	var meta storage_base.Metadata
	err := retry.Do(ctx, remote.policy, "metadata of "+objectID, func(ctx context.Context) error {
		result, err := remote.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(remote.bucket),
			Key:    aws.String(objectID),
		})
		if err != nil {
			return translate("head "+objectID, err)
		}
		meta = storage_base.Metadata{
			Name:     path.Base(objectID),
			MimeType: aws.ToString(result.ContentType),
			Size:     aws.ToInt64(result.ContentLength),
			// aws puts double quotes around the etag lol
			Checksum:     strings.Trim(aws.ToString(result.ETag), `"`),
			ModifiedTime: aws.ToTime(result.LastModified),
		}
		return nil
	})
	return meta, err
}

// DownloadChunked is a series of ranged GetObject calls
func (remote *S3) DownloadChunked(ctx context.Context, objectID string, chunkSize int64) storage_base.ChunkStream {
	return retry.NewStream(remote.policy, "s3 download "+objectID, chunkSize, func(ctx context.Context, offset int64, limit int64) ([]byte, bool, error) {
		result, err := remote.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(remote.bucket),
			Key:    aws.String(objectID),
			Range:  aws.String(utils.FormatHTTPRange(offset, limit)),
		})
		if err != nil {
			if isStatus(err, http.StatusRequestedRangeNotSatisfiable) {
				return nil, true, nil
			}
			return nil, false, translate("get "+objectID, err)
		}
		defer result.Body.Close()
		data, err := io.ReadAll(io.LimitReader(result.Body, limit))
		if err != nil {
			return nil, false, err
		}
		done := int64(len(data)) < limit
		if total, ok := retry.ContentRangeTotal(aws.ToString(result.ContentRange)); ok {
			done = offset+int64(len(data)) >= total
		}
		return data, done, nil
	})
}

// StreamRanged presigns one GET and then does plain HTTP range requests against it
func (remote *S3) StreamRanged(ctx context.Context, objectID string, chunkSize int64) storage_base.ChunkStream {
	var once sync.Once
	var presigned string
	var presignErr error
	return retry.NewStream(remote.policy, "s3 ranged "+objectID, chunkSize, retry.RangedHTTP(remote.http, func(ctx context.Context) (*http.Request, error) {
		once.Do(func() {
			req, err := remote.presign.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(remote.bucket),
				Key:    aws.String(objectID),
			}, s3.WithPresignExpires(presignExpiry))
			if err != nil {
				presignErr = err
				return
			}
			presigned = req.URL
		})
		if presignErr != nil {
			return nil, presignErr
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, presigned, nil)
	}))
}

// MakePublic sets a public-read ACL. Buckets with ACLs disabled refuse, which is logged and ignored.
func (remote *S3) MakePublic(ctx context.Context, objectID string) {
	_, err := remote.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(remote.bucket),
		Key:    aws.String(objectID),
		ACL:    types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		log.Println("Unable to make", objectID, "public:", err)
	}
}

func (remote *S3) String() string {
	return "S3 bucket " + remote.bucket + " at endpoint " + remote.endpoint
}
