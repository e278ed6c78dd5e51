package jsapi

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// dynamicImport matches import(...) calls, which would bypass require.
var dynamicImport = regexp.MustCompile(`(^|[^.\w$])import\s*\(`)

const dynamicImportMessage = "Dynamic import() is not allowed in sandbox. Use require() instead."

// CheckSource rejects constructs that could load code around the gated
// require.
func CheckSource(src string) error {
	if dynamicImport.MatchString(src) {
		return fmt.Errorf("%s", dynamicImportMessage)
	}
	return nil
}

func buildErrors(prefix string, msgs []esbuild.Message) error {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			texts = append(texts, fmt.Sprintf("%d:%d: %s", m.Location.Line, m.Location.Column, m.Text))
		} else {
			texts = append(texts, m.Text)
		}
	}
	return fmt.Errorf("%s: %s", prefix, strings.Join(texts, "; "))
}

// Transform lowers TypeScript and newer syntax in a task snippet. Static
// import statements become require calls, so they go through the same
// gate.
func Transform(src string) (string, error) {
	result := esbuild.Transform(src, esbuild.TransformOptions{
		Loader:     esbuild.LoaderTS,
		Target:     esbuild.ES2020,
		Format:     esbuild.FormatCommonJS,
		Sourcefile: "task.ts",
	})
	if len(result.Errors) > 0 {
		return "", buildErrors("SyntaxError", result.Errors)
	}
	return string(result.Code), nil
}

// Bundle turns a library file into a single CommonJS script. Relative
// imports are inlined; bare module names stay external and are returned
// so the caller can check them against the policy.
func Bundle(source, path string) (string, []string, error) {
	loader := esbuild.LoaderJS
	if ext := filepath.Ext(path); ext == ".ts" {
		loader = esbuild.LoaderTS
	}
	result := esbuild.Build(esbuild.BuildOptions{
		Stdin: &esbuild.StdinOptions{
			Contents:   source,
			ResolveDir: filepath.Dir(path),
			Sourcefile: filepath.Base(path),
			Loader:     loader,
		},
		Bundle:   true,
		Write:    false,
		Format:   esbuild.FormatCommonJS,
		Platform: esbuild.PlatformNeutral,
		Target:   esbuild.ES2020,
		Packages: esbuild.PackagesExternal,
		Metafile: true,
	})
	if len(result.Errors) > 0 {
		return "", nil, buildErrors("bundling "+filepath.Base(path), result.Errors)
	}
	if len(result.OutputFiles) == 0 {
		return "", nil, fmt.Errorf("bundling %s produced no output", filepath.Base(path))
	}
	externals, err := externalImports(result.Metafile)
	if err != nil {
		return "", nil, err
	}
	return string(result.OutputFiles[0].Contents), externals, nil
}

type metafile struct {
	Outputs map[string]struct {
		Imports []struct {
			Path     string `json:"path"`
			External bool   `json:"external"`
		} `json:"imports"`
	} `json:"outputs"`
}

func externalImports(raw string) ([]string, error) {
	var meta metafile
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("reading bundle metafile: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, o := range meta.Outputs {
		for _, imp := range o.Imports {
			if imp.External && !seen[imp.Path] {
				seen[imp.Path] = true
				out = append(out, imp.Path)
			}
		}
	}
	return out, nil
}

// WarmBundler runs one throwaway transform so esbuild's lazy
// initialization happens before the first task.
func WarmBundler() error {
	_, err := Transform("export const warm: number = 1")
	return err
}
