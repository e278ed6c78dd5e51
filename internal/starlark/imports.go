package starlark

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	importLine = regexp.MustCompile(`^import\s+(.+)$`)
	fromLine   = regexp.MustCompile(`^from\s+(\S+)\s+import\s+(.+)$`)
	dottedName = regexp.MustCompile(`^[A-Za-z_]\w*(\.[A-Za-z_]\w*)*$`)
	identifier = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// importFunc is the predeclared builtin nested import statements call.
const importFunc = "__import__"

// RewriteImports turns Python import statements into Starlark, one line
// for one line so positions in errors still match the submitted code.
// Top-level statements become load statements:
//
//	import json           -> load("json", json="json")
//	import numpy as np    -> load("numpy", np="numpy")
//	from math import sqrt -> load("math", "sqrt")
//
// Indented statements, which load cannot express, become calls to
// __import__ that go through the same loader:
//
//	    import json           ->     json = __import__("json")
//	    from math import sqrt ->     [sqrt] = __import__("math", "sqrt")
//
// A parenthesized from-import may span lines; its continuation lines are
// left blank. Indented lines that do not parse as an import are kept.
func RewriteImports(src string) (string, error) {
	lines := strings.Split(src, "\n")
next:
	for i := 0; i < len(lines); i++ {
		body := strings.TrimLeft(lines[i], " \t")
		indent := lines[i][:len(lines[i])-len(body)]
		if !strings.HasPrefix(body, "import ") && !strings.HasPrefix(body, "from ") {
			continue
		}
		stmt := statement(body)
		last := i
		if strings.HasPrefix(stmt, "from ") && strings.Contains(stmt, "(") {
			for !strings.Contains(stmt, ")") {
				last++
				if last >= len(lines) {
					if indent != "" {
						continue next
					}
					return "", fmt.Errorf("line %d: unterminated parenthesized import", i+1)
				}
				stmt += " " + statement(lines[last])
			}
		}

		out, err := rewriteStatement(stmt, indent != "")
		switch {
		case err != nil && indent == "":
			return "", fmt.Errorf("line %d: %w", i+1, err)
		case err != nil || out == "":
			continue
		}
		lines[i] = indent + out
		for j := i + 1; j <= last; j++ {
			lines[j] = ""
		}
		i = last
	}
	return strings.Join(lines, "\n"), nil
}

// statement strips a trailing comment and semicolon from one line.
func statement(line string) string {
	if j := strings.IndexByte(line, '#'); j >= 0 {
		line = line[:j]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
}

// rewriteStatement returns "" when stmt is not an import statement.
func rewriteStatement(stmt string, nested bool) (string, error) {
	if m := importLine.FindStringSubmatch(stmt); m != nil {
		if nested {
			return importCall(m[1])
		}
		return rewriteImport(m[1])
	}
	if m := fromLine.FindStringSubmatch(stmt); m != nil {
		if nested {
			return fromCall(m[1], m[2])
		}
		return rewriteFrom(m[1], m[2])
	}
	return "", nil
}

func importCall(clause string) (string, error) {
	var stmts []string
	for _, item := range strings.Split(clause, ",") {
		name, alias, err := splitAlias(item)
		if err != nil {
			return "", err
		}
		if !dottedName.MatchString(name) {
			return "", fmt.Errorf("invalid module name %q", name)
		}
		if alias == "" {
			alias, _, _ = strings.Cut(name, ".")
		}
		stmts = append(stmts, fmt.Sprintf("%s = %s(%s)", alias, importFunc, strconv.Quote(name)))
	}
	return strings.Join(stmts, "; "), nil
}

func fromCall(module, clause string) (string, error) {
	items, err := fromItems(module, clause)
	if err != nil {
		return "", err
	}
	targets := make([]string, len(items))
	args := []string{strconv.Quote(module)}
	for i, it := range items {
		targets[i] = it.local()
		args = append(args, strconv.Quote(it.name))
	}
	return fmt.Sprintf("[%s] = %s(%s)", strings.Join(targets, ", "), importFunc, strings.Join(args, ", ")), nil
}

type fromItem struct {
	name, alias string
}

func (it fromItem) local() string {
	if it.alias != "" {
		return it.alias
	}
	return it.name
}

func fromItems(module, clause string) ([]fromItem, error) {
	clause = strings.TrimSpace(clause)
	clause = strings.TrimSuffix(strings.TrimPrefix(clause, "("), ")")
	if strings.TrimSpace(clause) == "*" {
		return nil, fmt.Errorf("wildcard import from %s is not supported", module)
	}
	var items []fromItem
	for _, item := range strings.Split(clause, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		name, alias, err := splitAlias(item)
		if err != nil {
			return nil, err
		}
		if !identifier.MatchString(name) {
			return nil, fmt.Errorf("invalid import name %q", name)
		}
		items = append(items, fromItem{name: name, alias: alias})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("nothing imported from %s", module)
	}
	return items, nil
}

func rewriteImport(clause string) (string, error) {
	var loads []string
	for _, item := range strings.Split(clause, ",") {
		name, alias, err := splitAlias(item)
		if err != nil {
			return "", err
		}
		if !dottedName.MatchString(name) {
			return "", fmt.Errorf("invalid module name %q", name)
		}
		top, _, _ := strings.Cut(name, ".")
		if alias == "" {
			alias = top
		}
		loads = append(loads, fmt.Sprintf("load(%s, %s=%s)", strconv.Quote(name), alias, strconv.Quote(top)))
	}
	return strings.Join(loads, "; "), nil
}

func rewriteFrom(module, clause string) (string, error) {
	items, err := fromItems(module, clause)
	if err != nil {
		return "", err
	}
	args := []string{strconv.Quote(module)}
	for _, it := range items {
		if it.alias == "" {
			args = append(args, strconv.Quote(it.name))
		} else {
			args = append(args, fmt.Sprintf("%s=%s", it.alias, strconv.Quote(it.name)))
		}
	}
	return "load(" + strings.Join(args, ", ") + ")", nil
}

func splitAlias(item string) (name, alias string, err error) {
	fields := strings.Fields(item)
	switch {
	case len(fields) == 1:
		return fields[0], "", nil
	case len(fields) == 3 && fields[1] == "as":
		if !identifier.MatchString(fields[2]) {
			return "", "", fmt.Errorf("invalid alias %q", fields[2])
		}
		return fields[0], fields[2], nil
	default:
		return "", "", fmt.Errorf("invalid import clause %q", strings.TrimSpace(item))
	}
}
