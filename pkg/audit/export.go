package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var (
	// ErrNoEntries is returned when an export filter matches nothing.
	ErrNoEntries = errors.New("audit: no entries match filter")
	// ErrStoreNotConfigured is returned when export is invoked without a
	// backing chain store.
	ErrStoreNotConfigured = errors.New("audit: chain store not configured")
)

// EvidencePack is the manifest written alongside exported entries.
type EvidencePack struct {
	PackID      string    `json:"pack_id"`
	GeneratedAt time.Time `json:"generated_at"`
	StartSeq    uint64    `json:"start_sequence"`
	EndSeq      uint64    `json:"end_sequence"`
	EntryCount  int       `json:"entry_count"`
	ChainHead   string    `json:"chain_head"`
	Checksum    string    `json:"checksum"`
}

// Uploader stores a finished pack somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) (url string, err error)
}

const defaultPackPrefix = "audit-packs"

// Exporter builds zip evidence packs from the chain store and optionally
// ships them through an Uploader.
type Exporter struct {
	store    *ChainStore
	uploader Uploader
	prefix   string
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithPrefix sets the object-key prefix for uploaded packs. Defaults to
// "audit-packs".
func WithPrefix(prefix string) ExporterOption {
	return func(e *Exporter) {
		if prefix != "" {
			e.prefix = prefix
		}
	}
}

// NewExporter creates an Exporter. uploader may be nil for local-only use.
func NewExporter(store *ChainStore, uploader Uploader, opts ...ExporterOption) *Exporter {
	e := &Exporter{store: store, uploader: uploader, prefix: defaultPackPrefix}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GeneratePack zips the entries matching filter together with a manifest.
// Returns the archive bytes, its manifest, and the upload URL when an
// uploader is configured.
func (e *Exporter) GeneratePack(ctx context.Context, filter Filter) ([]byte, *EvidencePack, string, error) {
	if e.store == nil {
		return nil, nil, "", ErrStoreNotConfigured
	}
	entries := e.store.Query(filter)
	if len(entries) == 0 {
		return nil, nil, "", ErrNoEntries
	}
	return e.pack(ctx, entries)
}

// PackEntries zips an explicit entry slice (used by the retention sweep
// to archive pruned entries before dropping them).
func (e *Exporter) PackEntries(ctx context.Context, entries []*Entry) ([]byte, *EvidencePack, string, error) {
	if len(entries) == 0 {
		return nil, nil, "", ErrNoEntries
	}
	return e.pack(ctx, entries)
}

func (e *Exporter) pack(ctx context.Context, entries []*Entry) ([]byte, *EvidencePack, string, error) {
	entriesRaw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, nil, "", fmt.Errorf("marshal entries: %w", err)
	}

	pack := &EvidencePack{
		PackID:      uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
		StartSeq:    entries[0].Sequence,
		EndSeq:      entries[len(entries)-1].Sequence,
		EntryCount:  len(entries),
		ChainHead:   entries[len(entries)-1].EntryHash,
		Checksum:    hashBytes(entriesRaw),
	}
	manifestRaw, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return nil, nil, "", fmt.Errorf("marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string][]byte{
		"entries.json":  entriesRaw,
		"manifest.json": manifestRaw,
	} {
		w, err := zw.Create(name)
		if err != nil {
			return nil, nil, "", err
		}
		if _, err := w.Write(data); err != nil {
			return nil, nil, "", err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, "", err
	}

	url := ""
	if e.uploader != nil {
		key := fmt.Sprintf("%s/%s/%s.zip",
			e.prefix, pack.GeneratedAt.Format("2006/01/02"), pack.PackID)
		url, err = e.uploader.Upload(ctx, key, buf.Bytes())
		if err != nil {
			return nil, nil, "", fmt.Errorf("upload evidence pack: %w", err)
		}
	}
	return buf.Bytes(), pack, url, nil
}

// S3Uploader ships evidence packs to an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds an uploader using the ambient AWS configuration.
func NewS3Uploader(ctx context.Context, bucket string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
