package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreProbe verifies that an object-storage datasource's bucket
// exists and is reachable with the datasource's credentials.
type ObjectStoreProbe struct {
	log *slog.Logger
}

func NewObjectStoreProbe(log *slog.Logger) *ObjectStoreProbe {
	return &ObjectStoreProbe{log: log}
}

func (p *ObjectStoreProbe) Probe(ctx context.Context, ds Datasource) error {
	if !ds.Provider.IsObjectStore() {
		return nil
	}

	bucket := ds.Config["bucket"]
	endpoint, useSSL, err := endpointConfig(ds)
	if err != nil {
		return err
	}
	if endpoint == "" || bucket == "" {
		return fmt.Errorf("datasource %s: endpoint and bucket are required for object storage", ds.ID)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(ds.Config["access_key_id"], ds.Config["secret_access_key"], ""),
		Secure: useSSL,
		Region: ds.Config["region"],
	})
	if err != nil {
		return fmt.Errorf("datasource %s: failed to create object store client: %w", ds.ID, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("datasource %s: failed to check bucket %s: %w", ds.ID, bucket, err)
	}
	if !exists {
		return fmt.Errorf("datasource %s: bucket %s does not exist", ds.ID, bucket)
	}

	p.log.Debug("object store bucket reachable", "datasource", ds.ID, "bucket", bucket)
	return nil
}

// endpointConfig normalizes the configured endpoint. Endpoints may be stored
// with or without a scheme; the scheme is stripped and decides TLS unless an
// explicit use_ssl value overrides it.
func endpointConfig(ds Datasource) (string, bool, error) {
	endpoint := ds.Config["endpoint"]
	useSSL := true
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		useSSL = false
	}

	if v, ok := ds.Config["use_ssl"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return "", false, fmt.Errorf("datasource %s: invalid use_ssl %q: %w", ds.ID, v, err)
		}
		useSSL = b
	}
	return endpoint, useSSL, nil
}
