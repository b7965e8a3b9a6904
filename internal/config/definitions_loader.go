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

	"github.com/l0p7/edgectrl/internal/bucket"
)

const inlineSourceName = "inline-config"

// DefinitionBundle captures the merged test/mapping definitions after loading
// every configured source. The runtime uses the metadata to explain what was
// loaded and why certain definitions were skipped.
type DefinitionBundle struct {
	Tests    map[string]TestDefinition
	Mappings map[string]RegionContentMapping
	Sources  []string
	Skipped  []DefinitionSkip
}

type definitionDocument struct {
	Tests    map[string]TestDefinition       `koanf:"tests"`
	Mappings map[string]RegionContentMapping `koanf:"mappings"`
}

type definitionAggregator struct {
	tests       map[string]TestDefinition
	testSources map[string]string
	testSkips   map[string]*DefinitionSkip

	mappings       map[string]RegionContentMapping
	mappingSources map[string]string
	mappingSkips   map[string]*DefinitionSkip

	sources map[string]struct{}
}

func newDefinitionAggregator() *definitionAggregator {
	return &definitionAggregator{
		tests:          make(map[string]TestDefinition),
		testSources:    make(map[string]string),
		testSkips:      make(map[string]*DefinitionSkip),
		mappings:       make(map[string]RegionContentMapping),
		mappingSources: make(map[string]string),
		mappingSkips:   make(map[string]*DefinitionSkip),
		sources:        make(map[string]struct{}),
	}
}

func (a *definitionAggregator) addDocument(doc definitionDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, def := range doc.Tests {
		a.addTest(name, def, source)
	}
	for name, def := range doc.Mappings {
		a.addMapping(name, def, source)
	}
}

func (a *definitionAggregator) addTest(name string, def TestDefinition, source string) {
	if existing, ok := a.testSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.testSources[name]; ok {
		a.recordSkip(a.testSkips, "test", name, "duplicate definition", prev, source)
		delete(a.testSources, name)
		delete(a.tests, name)
		return
	}
	a.testSources[name] = source
	a.tests[name] = def
}

func (a *definitionAggregator) addMapping(name string, def RegionContentMapping, source string) {
	if existing, ok := a.mappingSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.mappingSources[name]; ok {
		a.recordSkip(a.mappingSkips, "mapping", name, "duplicate definition", prev, source)
		delete(a.mappingSources, name)
		delete(a.mappings, name)
		return
	}
	a.mappingSources[name] = source
	a.mappings[name] = def
}

func (a *definitionAggregator) recordSkip(skips map[string]*DefinitionSkip, kind, name, reason string, sources ...string) {
	if skip, ok := skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    kind,
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	skips[name] = skip
}

// quarantineInvalidTests removes tests whose configuration cannot produce a
// valid assignment: a broken allocation sum or a malformed date window. The
// skip record tells operators exactly which definition was disabled.
func (a *definitionAggregator) quarantineInvalidTests() {
	for name, def := range a.tests {
		reason := ""
		if !bucket.ValidAllocation(def.Allocations()) {
			reason = "variant allocation does not sum to 100"
		} else if _, _, err := def.ActiveWindow(); err != nil {
			reason = fmt.Sprintf("invalid active window: %v", err)
		}
		if reason == "" {
			continue
		}
		source := a.testSources[name]
		a.recordSkip(a.testSkips, "test", name, reason, source)
		delete(a.testSources, name)
		delete(a.tests, name)
	}
}

func (a *definitionAggregator) bundle() DefinitionBundle {
	a.quarantineInvalidTests()
	tests := make(map[string]TestDefinition, len(a.tests))
	for name, def := range a.tests {
		tests[name] = def
	}
	mappings := make(map[string]RegionContentMapping, len(a.mappings))
	for name, def := range a.mappings {
		mappings[name] = def
	}
	skipped := make([]DefinitionSkip, 0, len(a.testSkips)+len(a.mappingSkips))
	for _, skip := range a.testSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	for _, skip := range a.mappingSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		if skipped[i].Kind == skipped[j].Kind {
			return skipped[i].Name < skipped[j].Name
		}
		return skipped[i].Kind < skipped[j].Kind
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return DefinitionBundle{Tests: tests, Mappings: mappings, Sources: sources, Skipped: skipped}
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

func buildDefinitionBundle(ctx context.Context, inlineTests map[string]TestDefinition, inlineMappings map[string]RegionContentMapping, defsCfg DefinitionsConfig) (DefinitionBundle, error) {
	agg := newDefinitionAggregator()
	if len(inlineTests) > 0 || len(inlineMappings) > 0 {
		agg.addDocument(definitionDocument{Tests: inlineTests, Mappings: inlineMappings}, inlineSourceName)
	}

	files, err := collectDefinitionSources(ctx, defsCfg)
	if err != nil {
		return DefinitionBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return DefinitionBundle{}, ctx.Err()
		default:
		}
		doc, err := loadDefinitionDocument(path)
		if err != nil {
			return DefinitionBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	return agg.bundle(), nil
}

func collectDefinitionSources(ctx context.Context, defsCfg DefinitionsConfig) ([]string, error) {
	if defsCfg.File != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(defsCfg.File); err != nil {
			return nil, err
		}
		return []string{defsCfg.File}, nil
	}
	if defsCfg.Folder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(defsCfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("config: definitions folder %s: %w", defsCfg.Folder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: definitions folder %s is not a directory", defsCfg.Folder)
	}
	var files []string
	err = filepath.WalkDir(defsCfg.Folder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedDefinitionsFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk definitions folder %s: %w", defsCfg.Folder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: definitions file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: definitions file %s: expected a file, found directory", path)
	}
	return nil
}

func loadDefinitionDocument(path string) (definitionDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return definitionDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return definitionDocument{}, fmt.Errorf("config: load definitions from %s: %w", path, err)
	}
	var doc definitionDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return definitionDocument{}, fmt.Errorf("config: decode definitions from %s: %w", path, err)
	}
	if doc.Tests == nil {
		doc.Tests = make(map[string]TestDefinition)
	}
	if doc.Mappings == nil {
		doc.Mappings = make(map[string]RegionContentMapping)
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
		return nil, fmt.Errorf("config: unsupported definitions file extension %s", ext)
	}
}

func isSupportedDefinitionsFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneTestMap(in map[string]TestDefinition) map[string]TestDefinition {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

func cloneMappingMap(in map[string]RegionContentMapping) map[string]RegionContentMapping {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
