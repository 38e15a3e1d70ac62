package driftsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3GatewayConfig configures the S3 drop-box gateway.
type S3GatewayConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// instead of setting these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing
}

// S3Gateway implements RemoteGateway over an S3 bucket used as a drop-box:
// pushes are written as one object per batch under {prefix}outbox/, keyed by
// idempotency key so a replayed push overwrites rather than duplicates; the
// authoritative processor publishes the change feed as sequence-numbered
// objects under {prefix}changes/ which FetchChanges reads in order.
//
// Because a drop-box has no synchronous apply, PushChanges echoes the
// submitted state as canonical. The feed processor must preserve the
// submitted updated_at values for push-confirmation detection to work.
type S3Gateway struct {
	client *s3.Client
	config S3GatewayConfig
}

// NewS3Gateway creates a gateway against an S3 bucket.
func NewS3Gateway(cfg S3GatewayConfig) (*S3Gateway, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Gateway{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}, nil
}

var _ RemoteGateway = (*S3Gateway)(nil)

type s3ChangeSet struct {
	Cursor   Cursor    `json:"cursor"`
	Entities []*Entity `json:"entities"`
}

func (g *S3Gateway) PushChanges(ctx context.Context, actions []*QueuedAction) ([]*Entity, error) {
	if len(actions) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(pushRequest{Actions: actions})
	if err != nil {
		return nil, newSyncError(SyncErrorTypeValidation, "encode push batch", "", "", err)
	}

	// The first action's idempotency key names the object: a crash-replay of
	// the same batch lands on the same key.
	key := fmt.Sprintf("%soutbox/%s.json", g.config.Prefix, actions[0].IdempotencyKey)
	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(g.config.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return nil, newSyncError(SyncErrorTypeTransient, "put outbox object", "", "", err)
	}

	// Echo the submitted state as canonical.
	echoes := make([]*Entity, 0, len(actions))
	for _, a := range actions {
		e := &Entity{
			ID:        a.EntityID,
			Fields:    a.fields(),
			UpdatedAt: a.EnqueuedAt,
			Deleted:   a.Kind == ActionDelete,
			Status:    StatusSynced,
		}
		echoes = append(echoes, e)
	}
	return echoes, nil
}

func (g *S3Gateway) FetchChanges(ctx context.Context, since Cursor) ([]*Entity, Cursor, error) {
	prefix := g.config.Prefix + "changes/"
	startAfter := fmt.Sprintf("%s%020d.json", prefix, int64(since))

	out, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:     aws.String(g.config.Bucket),
		Prefix:     aws.String(prefix),
		StartAfter: aws.String(startAfter),
	})
	if err != nil {
		return nil, 0, newSyncError(SyncErrorTypeTransient, "list change objects", "", "", err)
	}

	var entities []*Entity
	cursor := since
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		seq, ok := parseChangeSeq(prefix, key)
		if !ok {
			continue
		}

		resp, err := g.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(g.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, 0, newSyncError(SyncErrorTypeTransient, "get change object", "", "", err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, 0, newSyncError(SyncErrorTypeTransient, "read change object", "", "", err)
		}

		var cs s3ChangeSet
		if err := json.Unmarshal(data, &cs); err != nil {
			return nil, 0, newSyncError(SyncErrorTypeCorrupt, "decode change object", "", "", err)
		}
		entities = append(entities, cs.Entities...)
		if seq > cursor {
			cursor = seq
		}
	}
	return entities, cursor, nil
}

// parseChangeSeq extracts the sequence number from a change-feed object key.
func parseChangeSeq(prefix, key string) (Cursor, bool) {
	name := strings.TrimPrefix(key, prefix)
	name = strings.TrimSuffix(name, ".json")
	n, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return Cursor(n), true
}
