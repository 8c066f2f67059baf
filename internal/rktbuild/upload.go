package rktbuild

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// The mirror is an R2 bucket holding the same tree the loopback server
// serves: built/pkgs/*.zip, the published catalog, a JSON index, and
// the documentation tarball. Sync is one way, local to remote. Zips
// already remote at the same size and an unchanged docs tarball are
// skipped; the catalog files and the index are uploaded every run.

// mirror is the minimal bucket surface the sync needs: sizes of what
// is already remote, puts, and deletes of stale zips.
type mirror struct {
	s3     *s3.Client
	bucket string
}

func newMirror(cfg *Config) (*mirror, error) {
	accountID := cfg.Values["R2_ACCOUNT_ID"]
	accessKey := cfg.Values["R2_ACCESS_KEY_ID"]
	secretKey := cfg.Values["R2_SECRET_ACCESS_KEY"]
	bucket := cfg.Values["R2_BUCKET_NAME"]
	if accountID == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, fmt.Errorf("R2 credentials missing in configuration (R2_ACCOUNT_ID, R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY, R2_BUCKET_NAME)")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
	}
	if Debug {
		opts = append(opts, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}
	awsCfg, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID))
		o.UsePathStyle = true
	})
	return &mirror{s3: client, bucket: bucket}, nil
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".css"):
		return "text/css"
	case strings.HasSuffix(key, ".js"):
		return "text/javascript"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zip"):
		return "application/zip"
	case strings.HasSuffix(key, ".tar.gz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// remoteSizes maps every key under prefix to its object size. Size is
// the only remote metadata the sync compares.
func (m *mirror) remoteSizes(ctx context.Context, prefix string) (map[string]int64, error) {
	sizes := make(map[string]int64)
	pager := s3.NewListObjectsV2Paginator(m.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			sizes[*obj.Key] = *obj.Size
		}
	}
	return sizes, nil
}

func (m *mirror) putBytes(ctx context.Context, key string, body []byte) error {
	_, err := m.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	return err
}

func (m *mirror) putFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = m.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	return err
}

func (m *mirror) remove(ctx context.Context, key string) error {
	_, err := m.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	return err
}

// indexEntry is one row of the machine-readable mirror index.
type indexEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// uploadMirror syncs the served tree of built packages to the R2
// bucket: every zip under built/pkgs, the whole built catalog, and the
// assembled documentation tarball when present. Zips are skipped when
// an object of the same key and size already exists; catalog files are
// small and always refreshed. Remote zips with no local counterpart are
// deleted, mirroring catalog pruning.
func uploadMirror(ctx context.Context, m *mirror) error {
	colArrow.Print("-> ")
	colSuccess.Printf("Syncing built packages to bucket %s\n", m.bucket)

	remoteSize, err := m.remoteSizes(ctx, "built/")
	if err != nil {
		return fmt.Errorf("failed to list bucket: %w", err)
	}

	localPkgs := filepath.Join(builtDir, "pkgs")
	entries, err := os.ReadDir(localPkgs)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	uploaded, skipped := 0, 0
	localKeys := make(stringSet)
	var index []indexEntry
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		path := filepath.Join(localPkgs, e.Name())
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		key := "built/pkgs/" + e.Name()
		localKeys[key] = true
		index = append(index, indexEntry{
			Name: strings.TrimSuffix(e.Name(), ".zip"),
			Size: info.Size(),
		})
		if size, ok := remoteSize[key]; ok && size == info.Size() {
			skipped++
			continue
		}
		debugf("uploading %s (%s)\n", key, humanReadableSize(info.Size()))
		if err := m.putFile(ctx, key, path); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		uploaded++
	}

	for key := range remoteSize {
		if strings.HasPrefix(key, "built/pkgs/") && !localKeys[key] {
			colWarn.Printf("Deleting stale %s\n", key)
			if err := m.remove(ctx, key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
		}
	}

	// ReadDir sorts by name, so the index is stable across runs and
	// cheap to diff.
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	if err := m.putBytes(ctx, "built/index.json", append(data, '\n')); err != nil {
		return fmt.Errorf("failed to upload index: %w", err)
	}

	catalogDir := filepath.Join(builtDir, "catalog")
	err = filepath.Walk(catalogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(catalogDir, path)
		if err != nil {
			return err
		}
		key := "built/catalog/" + filepath.ToSlash(rel)
		return m.putFile(ctx, key, path)
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to upload catalog: %w", err)
	}

	docs := filepath.Join(serverDir, "docs.tar.gz")
	if info, err := os.Stat(docs); err == nil {
		// The tarball is regenerated every docs run even when nothing
		// changed, so compare content hashes before shipping it again.
		digest, err := hashFile(docs)
		if err != nil {
			return err
		}
		stamp := filepath.Join(workDir, "docs-uploaded.b3")
		if prev, err := os.ReadFile(stamp); err == nil && strings.TrimSpace(string(prev)) == digest {
			debugf("docs tarball unchanged, not uploading\n")
		} else {
			colArrow.Print("-> ")
			colSuccess.Printf("Uploading documentation tarball (%s)\n", humanReadableSize(info.Size()))
			if err := m.putFile(ctx, "docs.tar.gz", docs); err != nil {
				return fmt.Errorf("failed to upload docs: %w", err)
			}
			if err := atomicWriteFile(stamp, []byte(digest+"\n"), 0o644); err != nil {
				return err
			}
		}
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Mirror sync complete: %d uploaded, %d unchanged\n", uploaded, skipped)
	return nil
}
