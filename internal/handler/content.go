package handler

import (
	"context"
	"fmt"
	"io"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/request"
)

// ContentResolver opens content:// URIs supplied by the host application.
type ContentResolver interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// ContentResolverFunc adapts a function to ContentResolver.
type ContentResolverFunc func(ctx context.Context, uri string) (io.ReadCloser, error)

func (f ContentResolverFunc) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	return f(ctx, uri)
}

// Content loads content:// URIs through a ContentResolver.
type Content struct {
	noRetry

	resolver ContentResolver
	maxBytes int64
}

func NewContent(resolver ContentResolver, maxDecodeBytes int64) *Content {
	return &Content{resolver: resolver, maxBytes: maxDecodeBytes}
}

func (c *Content) Name() string { return "content" }

func (c *Content) CanHandle(req request.Request) bool { return req.Scheme() == "content" }

func (c *Content) Load(ctx context.Context, req request.Request) (Result, error) {
	rc, err := c.resolver.Open(ctx, req.URI)
	if err != nil {
		return Result{}, fmt.Errorf("handler: open %s: %w", req.URI, err)
	}
	defer rc.Close()
	bmp, _, err := bitmap.Decode(rc, c.maxBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Bitmap: bmp, From: FromDisk}, nil
}
