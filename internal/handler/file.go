package handler

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/request"
)

// File loads file:// URIs and absolute paths from the local filesystem.
type File struct {
	noRetry

	maxBytes int64
}

func NewFile(maxDecodeBytes int64) *File { return &File{maxBytes: maxDecodeBytes} }

func (f *File) Name() string { return "file" }

func (f *File) CanHandle(req request.Request) bool {
	switch req.Scheme() {
	case "file":
		return true
	case "":
		return req.URI != "" && filepath.IsAbs(req.URI)
	default:
		return false
	}
}

func (f *File) Load(_ context.Context, req request.Request) (Result, error) {
	path := req.URI
	if req.Scheme() == "file" {
		u, err := url.Parse(req.URI)
		if err != nil {
			return Result{}, fmt.Errorf("handler: parse %s: %w", req.URI, err)
		}
		path = u.Path
	}
	fh, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Result{}, fmt.Errorf("handler: open %s: %w", path, err)
	}
	defer fh.Close()
	bmp, _, err := bitmap.Decode(fh, f.maxBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Bitmap: bmp, From: FromDisk}, nil
}
