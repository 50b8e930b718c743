package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/michaelbrown/penbox/internal/catalog"
	"go.uber.org/zap"
)

const (
	// RecipeExt is the file extension of build recipes in the templates
	// directory.
	RecipeExt = ".dockerfile"

	// SourceFilename is the name the submitted source gets inside the build
	// context.
	SourceFilename = "file"

	DefaultTimeout = 300 * time.Second
)

// Executor builds and registers executions for one template.
type Executor struct {
	Name       string
	Title      string
	RecipePath string

	set       *ExecutorSet
	validOnce sync.Once
	valid     bool
}

// Valid reports whether the executor's build recipe exists. The check runs
// once per executor.
func (x *Executor) Valid() bool {
	x.validOnce.Do(func() {
		if x.RecipePath == "" {
			return
		}
		info, err := os.Stat(x.RecipePath)
		x.valid = err == nil && info.Mode().IsRegular()
	})
	return x.valid
}

// Execute builds an image from source and registers a new, unstarted
// execution for it. A non-positive timeout selects the default.
func (x *Executor) Execute(ctx context.Context, source []byte, timeout time.Duration) (*Execution, error) {
	if !x.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTemplate, x.Name)
	}
	return x.set.execute(ctx, x, source, timeout)
}

// ExecutorSet hands out one Executor per template name and owns the shared
// dependencies every execution needs.
type ExecutorSet struct {
	templatesDir string
	workDir      string
	catalog      *catalog.Catalog
	runtime      Runtime
	registry     *Registry
	policy       Policy
	intervals    Intervals
	defTimeout   time.Duration
	maxTimeout   time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	executors map[string]*Executor
	pending   map[string]struct{}
}

// ExecutorSetOption defines a functional option for ExecutorSet
type ExecutorSetOption func(*ExecutorSet)

func WithCatalog(c *catalog.Catalog) ExecutorSetOption {
	return func(s *ExecutorSet) {
		s.catalog = c
	}
}

// WithWorkDir sets where build contexts are staged.
func WithWorkDir(dir string) ExecutorSetOption {
	return func(s *ExecutorSet) {
		s.workDir = dir
	}
}

func WithPolicy(p Policy) ExecutorSetOption {
	return func(s *ExecutorSet) {
		s.policy = p
	}
}

func WithIntervals(i Intervals) ExecutorSetOption {
	return func(s *ExecutorSet) {
		s.intervals = i
	}
}

// WithTimeouts sets the default timeout and the upper bound on requested
// timeouts. A zero max leaves requests unbounded.
func WithTimeouts(defaultTimeout, maxTimeout time.Duration) ExecutorSetOption {
	return func(s *ExecutorSet) {
		s.defTimeout = defaultTimeout
		s.maxTimeout = maxTimeout
	}
}

func NewExecutorSet(templatesDir string, rt Runtime, registry *Registry, logger *zap.Logger, opts ...ExecutorSetOption) *ExecutorSet {
	s := &ExecutorSet{
		templatesDir: templatesDir,
		workDir:      filepath.Join(os.TempDir(), "penbox"),
		runtime:      rt,
		registry:     registry,
		policy:       DefaultPolicy(),
		intervals:    DefaultIntervals(),
		defTimeout:   DefaultTimeout,
		logger:       logger,
		executors:    make(map[string]*Executor),
		pending:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the executor for name, creating it on first use. Names are
// case-insensitive and surrounding whitespace is ignored.
func (s *ExecutorSet) Get(name string) *Executor {
	trimmed := strings.TrimSpace(name)
	key := strings.ToLower(trimmed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if x, ok := s.executors[key]; ok {
		return x
	}

	x := &Executor{Name: key, Title: trimmed, set: s}
	if validName(key) {
		x.RecipePath = filepath.Join(s.templatesDir, key+RecipeExt)
	}
	if s.catalog != nil {
		if t, ok := s.catalog.Get(key); ok {
			x.Title = t.Title
		}
	}
	s.executors[key] = x
	return x
}

// Templates returns an executor per catalog entry, in catalog order.
func (s *ExecutorSet) Templates() []*Executor {
	if s.catalog == nil {
		return nil
	}
	var out []*Executor
	for _, t := range s.catalog.All() {
		out = append(out, s.Get(t.Name))
	}
	return out
}

// Suggest returns executors for the templates likely to run filename, best
// match first. Templates without a build recipe are left out.
func (s *ExecutorSet) Suggest(filename string) []*Executor {
	if s.catalog == nil {
		return nil
	}
	var out []*Executor
	for _, name := range s.catalog.Suggest(filename) {
		if x := s.Get(name); x.Valid() {
			out = append(out, x)
		}
	}
	return out
}

// Registry returns the registry executions are added to.
func (s *ExecutorSet) Registry() *Registry {
	return s.registry
}

func (s *ExecutorSet) execute(ctx context.Context, x *Executor, source []byte, timeout time.Duration) (*Execution, error) {
	timeout = s.effectiveTimeout(timeout)

	tag := s.reserveTag()
	defer s.releaseTag(tag)

	logger := s.logger.With(zap.String("template", x.Name), zap.String("tag", tag))

	dir := filepath.Join(s.workDir, tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating build directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove build directory", zap.Error(err))
		}
	}()

	recipe, err := os.ReadFile(x.RecipePath)
	if err != nil {
		return nil, fmt.Errorf("reading build recipe: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), recipe, 0o644); err != nil {
		return nil, fmt.Errorf("writing Dockerfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SourceFilename), source, 0o644); err != nil {
		return nil, fmt.Errorf("writing source file: %w", err)
	}

	logger.Info("building image", zap.Int("source_bytes", len(source)))
	start := time.Now()
	if err := s.runtime.Build(ctx, tag, dir); err != nil {
		logger.Warn("image build failed", zap.Error(err))
		return nil, err
	}
	logger.Info("image built", zap.Duration("elapsed", time.Since(start)))

	execution, err := newExecution(tag, x.Name, timeout, s.runtime, s.policy, s.intervals, s.logger)
	if err != nil {
		rmCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if rmErr := s.runtime.Remove(rmCtx, tag); rmErr != nil {
			logger.Warn("failed to remove sandbox image", zap.Error(rmErr))
		}
		return nil, err
	}
	s.registry.Add(execution)
	return execution, nil
}

func (s *ExecutorSet) effectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = s.defTimeout
	}
	if s.maxTimeout > 0 && requested > s.maxTimeout {
		requested = s.maxTimeout
	}
	return requested
}

// reserveTag returns a tag that names no registered or in-flight execution.
func (s *ExecutorSet) reserveTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		tag := newTag()
		if _, busy := s.pending[tag]; busy {
			continue
		}
		if s.registry.Has(tag) {
			continue
		}
		s.pending[tag] = struct{}{}
		return tag
	}
}

func (s *ExecutorSet) releaseTag(tag string) {
	s.mu.Lock()
	delete(s.pending, tag)
	s.mu.Unlock()
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
