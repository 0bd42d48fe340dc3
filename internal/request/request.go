// Package request describes what the loader should produce and derives the
// memory-cache key that identifies equivalent output.
package request

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/imgloader/internal/bitmap"
)

// KeySeparator terminates every segment of a cache key. Invalidating a URI
// clears every key that starts with the URI followed by the separator.
const KeySeparator = "\n"

// Priority orders queued work. The zero value is Normal.
type Priority int

const (
	Low    Priority = -1
	Normal Priority = 0
	High   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority accepts low, normal and high; anything else is Normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low
	case "high":
		return High
	default:
		return Normal
	}
}

// MemoryPolicy flags control reads and writes against the memory cache.
type MemoryPolicy uint8

const (
	// MemoryNoCache skips the memory cache lookup.
	MemoryNoCache MemoryPolicy = 1 << iota
	// MemoryNoStore skips storing the result in the memory cache.
	MemoryNoStore
)

// ShouldRead reports whether the memory cache may be consulted.
func (p MemoryPolicy) ShouldRead() bool { return p&MemoryNoCache == 0 }

// ShouldWrite reports whether a result may be stored in the memory cache.
func (p MemoryPolicy) ShouldWrite() bool { return p&MemoryNoStore == 0 }

// NetworkPolicy flags control the download cache sitting in front of the network.
type NetworkPolicy uint8

const (
	// NetworkNoCache skips the download cache lookup.
	NetworkNoCache NetworkPolicy = 1 << iota
	// NetworkNoStore skips storing downloaded bytes.
	NetworkNoStore
	// NetworkOffline serves from the download cache only.
	NetworkOffline
)

func (p NetworkPolicy) ShouldReadCache() bool  { return p&NetworkNoCache == 0 }
func (p NetworkPolicy) ShouldWriteCache() bool { return p&NetworkNoStore == 0 }
func (p NetworkPolicy) IsOfflineOnly() bool    { return p&NetworkOffline != 0 }

// Transformation is a custom image operation applied after decoding. Key must
// be stable because it participates in the cache key. Transform must either
// return its input untouched or return a new bitmap and recycle the input.
type Transformation interface {
	Key() string
	Transform(src *bitmap.Bitmap) (*bitmap.Bitmap, error)
}

// Request is an immutable description of one image to load. Copy it freely;
// the Transformations slice must not be mutated after construction.
type Request struct {
	URI        string
	ResourceID int
	// StableKey replaces the URI in the cache key when set, for sources whose
	// URI carries volatile parts such as signed query strings.
	StableKey string

	TargetWidth   int
	TargetHeight  int
	CenterCrop    bool
	CenterInside  bool
	OnlyScaleDown bool

	Rotation float64
	PivotX   float64
	PivotY   float64
	HasPivot bool

	Transformations []Transformation

	Priority      Priority
	MemoryPolicy  MemoryPolicy
	NetworkPolicy NetworkPolicy
}

// HasSize reports whether a resize target is set.
func (r Request) HasSize() bool { return r.TargetWidth != 0 || r.TargetHeight != 0 }

// NeedsGeometry reports whether built-in resize, crop or rotation applies.
func (r Request) NeedsGeometry() bool { return r.HasSize() || r.Rotation != 0 }

// HasCustomTransformations reports whether custom transformations are attached.
func (r Request) HasCustomTransformations() bool { return len(r.Transformations) > 0 }

// Scheme is the lowercase URI scheme, or "" for resource ids and bare paths.
func (r Request) Scheme() string {
	if r.URI == "" {
		return ""
	}
	u, err := url.Parse(r.URI)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Source returns the part of the key that identifies the input.
func (r Request) Source() string {
	switch {
	case r.StableKey != "":
		return r.StableKey
	case r.URI != "":
		return r.URI
	default:
		return "res:" + strconv.Itoa(r.ResourceID)
	}
}

// Name is a short human-readable identity used in logs and errors.
func (r Request) Name() string {
	if r.URI != "" {
		return r.URI
	}
	return "resource " + strconv.Itoa(r.ResourceID)
}

// Key derives the memory-cache key. Every field that changes the produced
// pixels participates in a fixed order; transformations contribute in list
// order because reordering them changes the output.
func (r Request) Key() string {
	var b strings.Builder
	b.WriteString(r.Source())
	b.WriteString(KeySeparator)
	if r.Rotation != 0 {
		b.WriteString("rotation:")
		b.WriteString(formatFloat(r.Rotation))
		if r.HasPivot {
			b.WriteString("@")
			b.WriteString(formatFloat(r.PivotX))
			b.WriteString("x")
			b.WriteString(formatFloat(r.PivotY))
		}
		b.WriteString(KeySeparator)
	}
	if r.HasSize() {
		b.WriteString("resize:")
		b.WriteString(strconv.Itoa(r.TargetWidth))
		b.WriteString("x")
		b.WriteString(strconv.Itoa(r.TargetHeight))
		b.WriteString(KeySeparator)
		if r.OnlyScaleDown {
			b.WriteString("onlyScaleDown")
			b.WriteString(KeySeparator)
		}
	}
	if r.CenterCrop {
		b.WriteString("centerCrop")
		b.WriteString(KeySeparator)
	} else if r.CenterInside {
		b.WriteString("centerInside")
		b.WriteString(KeySeparator)
	}
	for _, t := range r.Transformations {
		b.WriteString(t.Key())
		b.WriteString(KeySeparator)
	}
	return b.String()
}

// URIPrefix is the key prefix shared by every variant of uri.
func URIPrefix(uri string) string { return uri + KeySeparator }

// Validate rejects combinations the pipeline cannot honor.
func (r Request) Validate() error {
	if r.URI == "" && r.ResourceID == 0 && r.StableKey == "" {
		return errors.New("request: uri or resource id required")
	}
	if r.URI == "" && r.ResourceID == 0 {
		return errors.New("request: stable key requires a uri or resource id")
	}
	if r.TargetWidth < 0 || r.TargetHeight < 0 {
		return fmt.Errorf("request: target size must not be negative (%dx%d)", r.TargetWidth, r.TargetHeight)
	}
	if r.CenterCrop && r.CenterInside {
		return errors.New("request: center crop and center inside are mutually exclusive")
	}
	if (r.CenterCrop || r.CenterInside) && (r.TargetWidth == 0 || r.TargetHeight == 0) {
		return errors.New("request: center crop and center inside require both target dimensions")
	}
	if r.OnlyScaleDown && !r.HasSize() {
		return errors.New("request: only scale down requires a target size")
	}
	for i, t := range r.Transformations {
		if t == nil {
			return fmt.Errorf("request: transformation %d is nil", i)
		}
		if strings.TrimSpace(t.Key()) == "" {
			return fmt.Errorf("request: transformation %d has an empty key", i)
		}
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
