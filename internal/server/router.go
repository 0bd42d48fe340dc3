package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/l0p7/imgloader/internal/action"
	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/config"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/hunter"
	"github.com/l0p7/imgloader/internal/loader"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
	"github.com/l0p7/imgloader/internal/transform"
)

// DefaultLoadTimeout bounds how long /load waits for a result.
const DefaultLoadTimeout = 30 * time.Second

// Loader is the surface of *loader.Loader the admin routes drive.
type Loader interface {
	Fetch(req request.Request, opts action.Options, callbacks *action.Funcs) (*action.Action, error)
	CancelAction(a *action.Action)
	CancelTag(tag string)
	PauseTag(tag string)
	ResumeTag(tag string)
	Invalidate(ctx context.Context, uri string) error
	Stats(ctx context.Context) (loader.Stats, error)
}

// Connectivity lets operators simulate network changes. *netstate.Manual and
// *netstate.Prober satisfy it.
type Connectivity interface {
	Current() netstate.Info
	AirplaneMode() bool
	SetInfo(netstate.Info)
	SetAirplaneMode(bool)
}

// Rewrites reports the active rewrite rules.
type Rewrites interface {
	Names() []string
	Skipped() []config.DefinitionSkip
}

// Options wires the admin handler. Loader is required.
type Options struct {
	Loader      Loader
	Network     Connectivity
	Rewrites    Rewrites
	Metrics     http.Handler
	Logger      *slog.Logger
	LoadTimeout time.Duration
}

type api struct {
	opts   Options
	logger *slog.Logger
}

// NewHandler builds the admin router.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Loader == nil {
		return nil, errors.New("server: loader required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	a := &api{opts: opts, logger: opts.Logger.With(slog.String("agent", "admin"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /stats", a.stats)
	mux.HandleFunc("GET /load", a.load)
	mux.HandleFunc("POST /invalidate", a.invalidate)
	mux.HandleFunc("POST /tags/{tag}/{op}", a.tag)
	mux.HandleFunc("GET /network", a.network)
	mux.HandleFunc("PUT /network", a.setNetwork)
	mux.HandleFunc("PUT /airplane", a.setAirplane)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux, nil
}

type healthResponse struct {
	Status   string                  `json:"status"`
	Rewrites []string                `json:"rewrites"`
	Skipped  []config.DefinitionSkip `json:"skipped"`
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Rewrites: []string{}, Skipped: []config.DefinitionSkip{}}
	if a.opts.Rewrites != nil {
		resp.Rewrites = a.opts.Rewrites.Names()
		if skipped := a.opts.Rewrites.Skipped(); len(skipped) > 0 {
			resp.Status = "degraded"
			resp.Skipped = skipped
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	s, err := a.opts.Loader.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type loaded struct {
	bitmap *bitmap.Bitmap
	from   handler.LoadedFrom
	err    error
}

func (a *api) load(w http.ResponseWriter, r *http.Request) {
	req, opts, format, err := parseLoadQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	done := make(chan loaded, 1)
	callbacks := &action.Funcs{
		Success: func(b *bitmap.Bitmap, from handler.LoadedFrom) { done <- loaded{bitmap: b, from: from} },
		Failure: func(err error) { done <- loaded{err: err} },
	}
	act, err := a.opts.Loader.Fetch(req, opts, callbacks)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, loader.ErrShutdown) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	timer := time.NewTimer(a.opts.LoadTimeout)
	defer timer.Stop()
	var res loaded
	select {
	case res = <-done:
	case <-timer.C:
		a.opts.Loader.CancelAction(act)
		writeError(w, http.StatusGatewayTimeout, "load timed out")
		return
	case <-r.Context().Done():
		a.opts.Loader.CancelAction(act)
		return
	}
	if res.err != nil {
		a.logger.Warn("admin load failed", slog.String("uri", req.Name()), slog.Any("error", res.err))
		writeError(w, loadErrorStatus(res.err), res.err.Error())
		return
	}

	contentType := "image/png"
	if format == imaging.JPEG {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Loaded-From", res.from.String())
	w.Header().Set("X-Image-Size", fmt.Sprintf("%dx%d", res.bitmap.Width(), res.bitmap.Height()))
	w.WriteHeader(http.StatusOK)
	if err := imaging.Encode(w, res.bitmap.Image(), format); err != nil {
		a.logger.Warn("admin load encode failed", slog.Any("error", err))
	}
}

func loadErrorStatus(err error) int {
	var respErr *handler.ResponseError
	switch {
	case errors.As(err, &respErr) && respErr.Code == http.StatusNotFound:
		return http.StatusNotFound
	case errors.Is(err, hunter.ErrNoHandler):
		return http.StatusBadRequest
	case errors.Is(err, handler.ErrNotCached):
		return http.StatusNotFound
	case errors.Is(err, loader.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// parseLoadQuery maps /load query parameters onto a request:
// uri, resource, stableKey, w, h, fit (crop|inside), onlyScaleDown, rotate,
// pivot (x,y), t (transform chain), priority, tag, noReplay, memory
// (nocache,nostore), network (nocache,nostore,offline) and format (png|jpeg).
func parseLoadQuery(r *http.Request) (request.Request, action.Options, imaging.Format, error) {
	q := r.URL.Query()
	var req request.Request
	var err error

	req.URI = strings.TrimSpace(q.Get("uri"))
	req.StableKey = strings.TrimSpace(q.Get("stableKey"))
	if req.ResourceID, err = intParam(q.Get("resource")); err != nil {
		return req, action.Options{}, 0, fmt.Errorf("resource: %w", err)
	}
	if req.TargetWidth, err = intParam(q.Get("w")); err != nil {
		return req, action.Options{}, 0, fmt.Errorf("w: %w", err)
	}
	if req.TargetHeight, err = intParam(q.Get("h")); err != nil {
		return req, action.Options{}, 0, fmt.Errorf("h: %w", err)
	}
	switch strings.ToLower(q.Get("fit")) {
	case "":
	case "crop":
		req.CenterCrop = true
	case "inside":
		req.CenterInside = true
	default:
		return req, action.Options{}, 0, fmt.Errorf("fit: unsupported %q", q.Get("fit"))
	}
	req.OnlyScaleDown = boolParam(q.Get("onlyScaleDown"))
	if s := q.Get("rotate"); s != "" {
		if req.Rotation, err = strconv.ParseFloat(s, 64); err != nil {
			return req, action.Options{}, 0, fmt.Errorf("rotate: %w", err)
		}
	}
	if s := q.Get("pivot"); s != "" {
		x, y, ok := strings.Cut(s, ",")
		px, errX := strconv.ParseFloat(x, 64)
		py, errY := strconv.ParseFloat(y, 64)
		if !ok || errX != nil || errY != nil {
			return req, action.Options{}, 0, fmt.Errorf("pivot: want x,y, got %q", s)
		}
		req.PivotX, req.PivotY, req.HasPivot = px, py, true
	}
	if req.Transformations, err = transform.Parse(q.Get("t")); err != nil {
		return req, action.Options{}, 0, err
	}
	req.Priority = request.ParsePriority(q.Get("priority"))
	for _, flag := range splitList(q.Get("memory")) {
		switch flag {
		case "nocache":
			req.MemoryPolicy |= request.MemoryNoCache
		case "nostore":
			req.MemoryPolicy |= request.MemoryNoStore
		default:
			return req, action.Options{}, 0, fmt.Errorf("memory: unsupported policy %q", flag)
		}
	}
	for _, flag := range splitList(q.Get("network")) {
		switch flag {
		case "nocache":
			req.NetworkPolicy |= request.NetworkNoCache
		case "nostore":
			req.NetworkPolicy |= request.NetworkNoStore
		case "offline":
			req.NetworkPolicy |= request.NetworkOffline
		default:
			return req, action.Options{}, 0, fmt.Errorf("network: unsupported policy %q", flag)
		}
	}

	format := imaging.PNG
	switch strings.ToLower(q.Get("format")) {
	case "", "png":
	case "jpeg", "jpg":
		format = imaging.JPEG
	default:
		return req, action.Options{}, 0, fmt.Errorf("format: unsupported %q", q.Get("format"))
	}

	opts := action.Options{Tag: q.Get("tag"), NoReplay: boolParam(q.Get("noReplay"))}
	return req, opts, format, nil
}

func (a *api) invalidate(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimSpace(r.URL.Query().Get("uri"))
	if uri == "" {
		writeError(w, http.StatusBadRequest, "uri required")
		return
	}
	if err := a.opts.Loader.Invalidate(r.Context(), uri); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) tag(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	switch strings.ToLower(r.PathValue("op")) {
	case "pause":
		a.opts.Loader.PauseTag(tag)
	case "resume":
		a.opts.Loader.ResumeTag(tag)
	case "cancel":
		a.opts.Loader.CancelTag(tag)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown tag operation %q", r.PathValue("op")))
		return
	}
	a.logger.Info("tag updated", slog.String("tag", tag), slog.String("op", r.PathValue("op")))
	w.WriteHeader(http.StatusNoContent)
}

type networkState struct {
	Connected bool   `json:"connected"`
	Type      string `json:"type"`
	Airplane  bool   `json:"airplane"`
}

func (a *api) network(w http.ResponseWriter, _ *http.Request) {
	if a.opts.Network == nil {
		writeError(w, http.StatusNotFound, "connectivity not configurable")
		return
	}
	info := a.opts.Network.Current()
	writeJSON(w, http.StatusOK, networkState{Connected: info.Connected, Type: string(info.Type), Airplane: a.opts.Network.AirplaneMode()})
}

func (a *api) setNetwork(w http.ResponseWriter, r *http.Request) {
	if a.opts.Network == nil {
		writeError(w, http.StatusNotFound, "connectivity not configurable")
		return
	}
	var body struct {
		Connected *bool  `json:"connected"`
		Type      string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	info := a.opts.Network.Current()
	if body.Connected != nil {
		info.Connected = *body.Connected
	}
	if body.Type != "" {
		info.Type = netstate.ParseType(body.Type)
	}
	a.opts.Network.SetInfo(info)
	a.network(w, r)
}

func (a *api) setAirplane(w http.ResponseWriter, r *http.Request) {
	if a.opts.Network == nil {
		writeError(w, http.StatusNotFound, "connectivity not configurable")
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	a.opts.Network.SetAirplaneMode(body.Enabled)
	a.network(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func boolParam(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
