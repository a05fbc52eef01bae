package gstorage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Daskott/safeguard/server/logger"
	"google.golang.org/api/option"
)

var (
	ErrObjectNotExist = storage.ErrObjectNotExist

	logg = logger.Component(logger.NewLogger(), "gstorage", logger.Blue)
)

const requestTimeout = 50 * time.Second

type GStorage struct {
	storageClient *storage.Client
	bucket        string
	prefix        string
}

// NewGStorage returns a client for objects under prefix in bucket.
func NewGStorage(ctx context.Context, credentialsFilePath, bucket, prefix string) (*GStorage, error) {
	var client *storage.Client
	var err error

	if credentialsFilePath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(credentialsFilePath))
	} else {
		client, err = storage.NewClient(ctx)
	}

	if err != nil {
		return nil, fmt.Errorf("NewGStorage: %v", err)
	}

	return &GStorage{storageClient: client, bucket: bucket, prefix: prefix}, nil
}

// ObjectName places name under the configured prefix.
func (gs *GStorage) ObjectName(name string) string {
	return path.Join(gs.prefix, name)
}

// Put uploads data as the object name. It lets the bucket serve as a device
// chunk archive.
func (gs *GStorage) Put(ctx context.Context, name string, data []byte) error {
	return gs.upload(ctx, gs.ObjectName(name), bytes.NewReader(data))
}

// UploadFile uploads a local file as the object name.
func (gs *GStorage) UploadFile(ctx context.Context, name, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("os.Open: %v", err)
	}
	defer f.Close()

	return gs.upload(ctx, gs.ObjectName(name), f)
}

// DownloadFile downloads the object name to a file.
func (gs *GStorage) DownloadFile(ctx context.Context, name, destFileName string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	object := gs.ObjectName(name)
	rc, err := gs.storageClient.Bucket(gs.bucket).Object(object).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return err
	}
	if err != nil {
		return fmt.Errorf("Object(%q).NewReader: %v", object, err)
	}
	defer rc.Close()

	f, err := os.OpenFile(destFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("os.Create: %v", err)
	}

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("io.Copy: %v", err)
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("f.Close: %v", err)
	}

	logg.Infof("blob %v downloaded to local file %v", object, destFileName)
	return nil
}

func (gs *GStorage) Close() error {
	return gs.storageClient.Close()
}

func (gs *GStorage) upload(ctx context.Context, object string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	wc := gs.storageClient.Bucket(gs.bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %v", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %v", err)
	}

	logg.Debugf("blob %v uploaded", object)
	return nil
}
