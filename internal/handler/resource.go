package handler

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/request"
)

// Resource serves images bundled with the application, addressed either by a
// numeric ResourceID or by a res://<name> URI.
type Resource struct {
	noRetry

	files    fs.FS
	ids      map[int]string
	maxBytes int64
}

// NewResource reads from files; ids maps resource ids to file names.
func NewResource(files fs.FS, ids map[int]string, maxDecodeBytes int64) *Resource {
	copied := make(map[int]string, len(ids))
	for id, name := range ids {
		copied[id] = name
	}
	return &Resource{files: files, ids: copied, maxBytes: maxDecodeBytes}
}

func (r *Resource) Name() string { return "resource" }

func (r *Resource) CanHandle(req request.Request) bool {
	if req.URI == "" {
		return req.ResourceID != 0
	}
	return req.Scheme() == "res"
}

func (r *Resource) Load(_ context.Context, req request.Request) (Result, error) {
	name, err := r.resolve(req)
	if err != nil {
		return Result{}, err
	}
	data, err := fs.ReadFile(r.files, name)
	if err != nil {
		return Result{}, fmt.Errorf("handler: read resource %s: %w", name, err)
	}
	bmp, _, err := bitmap.DecodeBytes(data, r.maxBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Bitmap: bmp, From: FromDisk}, nil
}

func (r *Resource) resolve(req request.Request) (string, error) {
	if req.URI != "" {
		name := strings.TrimPrefix(req.URI[len("res:"):], "//")
		if name == "" {
			return "", fmt.Errorf("handler: empty resource name in %q", req.URI)
		}
		return name, nil
	}
	name, ok := r.ids[req.ResourceID]
	if !ok {
		return "", fmt.Errorf("handler: unknown resource id %d", req.ResourceID)
	}
	return name, nil
}
