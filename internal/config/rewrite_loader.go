package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/imgloader/internal/expr"
)

const inlineSourceName = "inline-config"

// RewriteBundle captures the merged rewrite definitions after loading every
// configured source, plus what was skipped and why.
type RewriteBundle struct {
	Rewrites map[string]RewriteConfig
	Sources  []string
	Skipped  []DefinitionSkip
}

type rewriteDocument struct {
	Rewrites map[string]RewriteConfig `koanf:"rewrites"`
}

type rewriteAggregator struct {
	rewrites map[string]RewriteConfig
	origins  map[string]string
	skips    map[string]*DefinitionSkip
	sources  map[string]struct{}
}

func newRewriteAggregator() *rewriteAggregator {
	return &rewriteAggregator{
		rewrites: make(map[string]RewriteConfig),
		origins:  make(map[string]string),
		skips:    make(map[string]*DefinitionSkip),
		sources:  make(map[string]struct{}),
	}
}

func (a *rewriteAggregator) addDocument(doc rewriteDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Rewrites {
		a.addRewrite(name, cfg, source)
	}
}

func (a *rewriteAggregator) addRewrite(name string, cfg RewriteConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.rewrites, name)
		return
	}
	a.origins[name] = source
	a.rewrites[name] = cfg
}

// validate quarantines rewrites that change nothing or whose expressions do
// not compile.
func (a *rewriteAggregator) validate(evaluator *expr.HybridEvaluator) {
	for name, cfg := range a.rewrites {
		reason := ""
		if err := validateRewriteShape(name, cfg); err != nil {
			reason = err.Error()
		} else if err := validateRewriteExpressions(name, cfg, evaluator); err != nil {
			reason = fmt.Sprintf("invalid rewrite expressions: %v", err)
		}
		if reason == "" {
			continue
		}
		a.recordSkip(name, reason, a.origins[name])
		delete(a.origins, name)
		delete(a.rewrites, name)
	}
}

func (a *rewriteAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "rewrite",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

func (a *rewriteAggregator) bundle() RewriteBundle {
	rewrites := maps.Clone(a.rewrites)
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return RewriteBundle{Rewrites: rewrites, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildRewriteBundle(ctx context.Context, inline map[string]RewriteConfig, rewritesCfg RewritesConfig) (RewriteBundle, error) {
	agg := newRewriteAggregator()
	if len(inline) > 0 {
		agg.addDocument(rewriteDocument{Rewrites: inline}, inlineSourceName)
	}

	files, err := collectRewriteSources(ctx, rewritesCfg)
	if err != nil {
		return RewriteBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return RewriteBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRewriteDocument(path)
		if err != nil {
			return RewriteBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	evaluator, err := expr.NewHybridEvaluator(nil)
	if err != nil {
		return RewriteBundle{}, err
	}
	agg.validate(evaluator)
	return agg.bundle(), nil
}

func validateRewriteExpressions(name string, cfg RewriteConfig, evaluator *expr.HybridEvaluator) error {
	if match := strings.TrimSpace(cfg.Match); match != "" {
		if _, err := evaluator.Environment().Compile(match); err != nil {
			return fmt.Errorf("match: %w", err)
		}
	}
	if _, err := evaluator.Compile(name+".uri", cfg.URI); err != nil {
		return fmt.Errorf("uri: %w", err)
	}
	if _, err := evaluator.Compile(name+".stableKey", cfg.StableKey); err != nil {
		return fmt.Errorf("stableKey: %w", err)
	}
	return nil
}

func collectRewriteSources(ctx context.Context, rewritesCfg RewritesConfig) ([]string, error) {
	if rewritesCfg.RewritesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(rewritesCfg.RewritesFile); err != nil {
			return nil, err
		}
		return []string{rewritesCfg.RewritesFile}, nil
	}
	if rewritesCfg.RewritesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(rewritesCfg.RewritesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: rewrites folder %s: %w", rewritesCfg.RewritesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: rewrites folder %s is not a directory", rewritesCfg.RewritesFolder)
	}
	var files []string
	err = filepath.WalkDir(rewritesCfg.RewritesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedRewritesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk rewrites folder %s: %w", rewritesCfg.RewritesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: rewrites file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: rewrites file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRewriteDocument(path string) (rewriteDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return rewriteDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return rewriteDocument{}, fmt.Errorf("config: load rewrites from %s: %w", path, err)
	}
	var doc rewriteDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return rewriteDocument{}, fmt.Errorf("config: decode rewrites from %s: %w", path, err)
	}
	if doc.Rewrites == nil {
		doc.Rewrites = make(map[string]RewriteConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported rewrites file extension %s", ext)
	}
}

func isSupportedRewritesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneRewriteMap(in map[string]RewriteConfig) map[string]RewriteConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
