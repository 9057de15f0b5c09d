package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nerrad567/mqttsession/internal/infrastructure/config"
)

// Archive describes one uploaded batch of expired events.
type Archive struct {
	Key     string    `json:"key"`
	Bucket  string    `json:"bucket"`
	Events  int       `json:"events"`
	FirstID int64     `json:"first_id"`
	LastID  int64     `json:"last_id"`
	At      time.Time `json:"archived_at"`
}

// Archiver stores a batch of events before they are pruned.
type Archiver interface {
	Archive(ctx context.Context, events []Event) (Archive, error)
}

// objectPutter is the part of *s3.Client the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads batches as newline-delimited JSON objects.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

var _ Archiver = (*S3Archiver)(nil)

// NewS3Archiver builds an S3 client from cfg. Empty keys fall back to
// AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY; a custom endpoint selects an
// S3-compatible store such as MinIO.
func NewS3Archiver(cfg config.ArchiveConfig) *S3Archiver {
	keyID := cfg.AccessKeyID
	secret := cfg.SecretAccessKey
	if keyID == "" {
		keyID = os.Getenv("AWS_ACCESS_KEY_ID")
		secret = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if keyID != "" {
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     keyID,
				SecretAccessKey: secret,
				Source:          "mqttsession",
			}, nil
		})
	}

	return newS3Archiver(s3.New(opts), cfg.Bucket, cfg.Prefix)
}

func newS3Archiver(client objectPutter, bucket, prefix string) *S3Archiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Archive uploads events, which must be non-empty and sorted by ID, to
// {prefix}YYYY/MM/DD/session-events-{first}-{last}.ndjson.
func (a *S3Archiver) Archive(ctx context.Context, events []Event) (Archive, error) {
	if len(events) == 0 {
		return Archive{}, fmt.Errorf("%w: empty batch", ErrArchiveFailed)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return Archive{}, fmt.Errorf("%w: encoding event %d: %w", ErrArchiveFailed, events[i].ID, err)
		}
	}

	now := a.now()
	first, last := events[0].ID, events[len(events)-1].ID
	key := fmt.Sprintf("%s%s/session-events-%d-%d.ndjson", a.prefix, now.Format("2006/01/02"), first, last)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"events":   fmt.Sprint(len(events)),
			"first-id": fmt.Sprint(first),
			"last-id":  fmt.Sprint(last),
		},
	})
	if err != nil {
		return Archive{}, fmt.Errorf("%w: %s: %w", ErrArchiveFailed, key, err)
	}

	return Archive{
		Key:     key,
		Bucket:  a.bucket,
		Events:  len(events),
		FirstID: first,
		LastID:  last,
		At:      now,
	}, nil
}
