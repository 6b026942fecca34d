// Package publish mirrors a collected store to S3 or Azure Blob Storage.
package publish

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Supported target schemes.
const (
	SchemeS3     = "s3"
	SchemeAzBlob = "azblob"
)

// Target is a parsed publish URL: s3://bucket/prefix or
// azblob://account/container/prefix.
type Target struct {
	Scheme string
	// Account is the Azure storage account. Empty for S3.
	Account string
	// Bucket is the S3 bucket or the Azure container.
	Bucket string
	Prefix string
}

// ParseTarget parses a publish URL.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid publish url %q: %w", raw, err)
	}
	t := Target{Scheme: u.Scheme}
	rest := strings.Trim(u.Path, "/")

	switch u.Scheme {
	case SchemeS3:
		t.Bucket = u.Host
		t.Prefix = rest
	case SchemeAzBlob:
		t.Account = u.Host
		container, prefix, _ := strings.Cut(rest, "/")
		t.Bucket = container
		t.Prefix = prefix
		if t.Account == "" {
			return Target{}, fmt.Errorf("publish url %q has no storage account", raw)
		}
	default:
		return Target{}, fmt.Errorf("publish url %q must start with s3:// or azblob://", raw)
	}
	if t.Bucket == "" {
		return Target{}, fmt.Errorf("publish url %q has no bucket or container", raw)
	}
	return t, nil
}

// Key joins the prefix and a slash separated relative path.
func (t Target) Key(rel string) string {
	if t.Prefix == "" {
		return rel
	}
	return path.Join(t.Prefix, rel)
}

func (t Target) String() string {
	switch t.Scheme {
	case SchemeAzBlob:
		return fmt.Sprintf("azblob://%s/%s/%s", t.Account, t.Bucket, t.Prefix)
	default:
		return fmt.Sprintf("s3://%s/%s", t.Bucket, t.Prefix)
	}
}
