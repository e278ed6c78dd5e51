package starlark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteImports(t *testing.T) {
	cases := map[string]string{
		"import json":                      `load("json", json="json")`,
		"import numpy as np":               `load("numpy", np="numpy")`,
		"import os.path":                   `load("os.path", os="os")`,
		"import json, math":                `load("json", json="json"); load("math", math="math")`,
		"from math import sqrt":            `load("math", "sqrt")`,
		"from math import sqrt as s, pi":   `load("math", s="sqrt", "pi")`,
		"from math import (floor)":         `load("math", "floor")`,
		"import json  # comment":           `load("json", json="json")`,
		"    import json":                  `    json = __import__("json")`,
		"\timport os.path as p, json":      `	p = __import__("os.path"); json = __import__("json")`,
		"  from math import sqrt as s, pi": `  [s, pi] = __import__("math", "sqrt", "pi")`,
		"    import the rest later":        "    import the rest later",
		"x = 1":                            "x = 1",
	}
	for in, want := range cases {
		got, err := RewriteImports(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestRewriteImportsKeepsLines(t *testing.T) {
	src := "import json\n\ndef main():\n    return 1\n"
	got, err := RewriteImports(src)
	require.NoError(t, err)
	assert.Equal(t, "load(\"json\", json=\"json\")\n\ndef main():\n    return 1\n", got)
}

func TestRewriteImportsErrors(t *testing.T) {
	for _, in := range []string{
		"from os import *",
		"import 1abc",
		"import a as b as c",
	} {
		_, err := RewriteImports(in)
		assert.Error(t, err, in)
	}
}

func TestRewriteImportsParenthesizedContinuation(t *testing.T) {
	src := "from math import (sqrt,\n    floor as f)\nx = 1\n" +
		"def main():\n    from json import (\n        encode,\n    )\n    return x"
	got, err := RewriteImports(src)
	require.NoError(t, err)
	assert.Equal(t, "load(\"math\", \"sqrt\", f=\"floor\")\n\nx = 1\n"+
		"def main():\n    [encode] = __import__(\"json\", \"encode\")\n\n\n    return x", got)

	_, err = RewriteImports("from math import (sqrt,\n    floor")
	assert.ErrorContains(t, err, "unterminated parenthesized import")

	prose := "def main():\n    \"\"\"\n    from here (on\n    \"\"\"\n    return 1"
	got, err = RewriteImports(prose)
	require.NoError(t, err)
	assert.Equal(t, prose, got)
}
