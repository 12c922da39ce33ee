package minio

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	defaultBucket     = "ucl-staging"
	defaultBasePrefix = "sync"
)

// Config captures the MinIO/S3 endpoint configuration.
type Config struct {
	EndpointURL     string
	Region          string
	UseSSL          bool
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	BasePrefix      string
}

// Normalize fills defaults and trims the prefix.
func (c *Config) Normalize() {
	if c.Bucket == "" {
		c.Bucket = defaultBucket
	}
	if c.BasePrefix == "" {
		c.BasePrefix = defaultBasePrefix
	}
	c.BasePrefix = strings.Trim(c.BasePrefix, "/")
}

// Validate enforces required fields.
func (c *Config) Validate() error {
	if c.EndpointURL == "" {
		return WrapError(CodeEndpointUnreachable, true, fmt.Errorf("endpointUrl is required"))
	}
	if _, err := url.Parse(c.EndpointURL); err != nil {
		return WrapError(CodeEndpointUnreachable, true, err)
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return WrapError(CodeAuthInvalid, false, fmt.Errorf("accessKeyId and secretAccessKey are required"))
	}
	return nil
}

func sanitizePath(raw string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return replacer.Replace(raw)
}
