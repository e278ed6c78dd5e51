// Package preload loads optional libraries into an engine once, before the
// first task, and leaves them read-only.
package preload

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/engine"
)

// Config selects the libraries to preload.
type Config struct {
	// LibDir holds library files named <module><ext>.
	LibDir string `yaml:"lib_dir"`
	// Libraries lists module names to load from LibDir. Empty means every
	// file in LibDir with the engine's extension.
	Libraries []string `yaml:"libraries"`
}

// Preloader runs the preload step at most once.
type Preloader struct {
	eng    engine.Engine
	cfg    Config
	logger *zap.Logger

	once   sync.Once
	loaded []string
}

// New creates a Preloader for eng.
func New(eng engine.Engine, cfg Config, logger *zap.Logger) *Preloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preloader{
		eng:    eng,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "preload")),
	}
}

// Run loads the configured libraries. warm also runs the engine's own
// heavy initialization. Libraries that are missing or fail to load are
// logged and skipped. Later calls return the first call's result.
func (p *Preloader) Run(gate engine.Gate, warm bool) []string {
	p.once.Do(func() {
		if warm {
			if err := p.eng.Warm(); err != nil {
				p.logger.Debug("engine warm-up failed", zap.Error(err))
			}
		}
		for _, name := range p.names() {
			path := filepath.Join(p.cfg.LibDir, name+p.eng.SourceExt())
			src, err := os.ReadFile(path)
			if err != nil {
				p.logger.Debug("skipping library", zap.String("library", name), zap.Error(err))
				continue
			}
			if err := p.eng.Preload(name, string(src), path, gate); err != nil {
				p.logger.Debug("skipping library", zap.String("library", name), zap.Error(err))
				continue
			}
			p.loaded = append(p.loaded, name)
		}
		p.logger.Info("preload finished",
			zap.Strings("libraries", p.loaded),
			zap.Bool("warm", warm))
	})
	return slices.Clone(p.loaded)
}

// Loaded returns the libraries that were loaded successfully.
func (p *Preloader) Loaded() []string {
	return slices.Clone(p.loaded)
}

func (p *Preloader) names() []string {
	if len(p.cfg.Libraries) > 0 {
		return p.cfg.Libraries
	}
	if p.cfg.LibDir == "" {
		return nil
	}
	entries, err := os.ReadDir(p.cfg.LibDir)
	if err != nil {
		p.logger.Debug("reading library directory", zap.Error(err))
		return nil
	}
	ext := p.eng.SourceExt()
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	slices.Sort(names)
	return names
}
