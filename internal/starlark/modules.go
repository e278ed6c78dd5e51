package starlark

import (
	"fmt"
	"time"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/cryguy/sandbox/internal/capability"
	"github.com/cryguy/sandbox/internal/engine"
)

// pureModules hold no per-task state, so preloaded libraries may import
// them and tasks may share them.
var pureModules = map[string]*starlarkstruct.Module{
	"json": starjson.Module,
	"math": starmath.Module,
	"time": startime.Module,
}

// moduleDict is what load() returns for a module: the module itself under
// its own name plus each member, so both load("m", "m") and
// load("m", "member") work.
func moduleDict(m *starlarkstruct.Module) starlark.StringDict {
	d := make(starlark.StringDict, len(m.Members)+1)
	for k, v := range m.Members {
		d[k] = v
	}
	d[m.Name] = m
	return d
}

// capabilityModule builds the per-task binding of a capability module, or
// returns nil when name is not one.
func capabilityModule(name string, inv *engine.Invocation) *starlarkstruct.Module {
	switch name {
	case capability.ModuleHelper:
		return &starlarkstruct.Module{Name: name, Members: helperMembers(inv)}
	case capability.ModuleSafeHTTP:
		req := starlark.NewBuiltin("request", httpRequest(inv))
		return &starlarkstruct.Module{Name: name, Members: starlark.StringDict{
			"request":      req,
			"http_request": req,
		}}
	case capability.ModuleTempFS:
		return &starlarkstruct.Module{Name: name, Members: tempfsMembers(inv)}
	case capability.ModuleSQLite:
		return &starlarkstruct.Module{Name: name, Members: starlark.StringDict{
			"exec":  starlark.NewBuiltin("exec", sqlExec(inv)),
			"query": starlark.NewBuiltin("query", sqlQuery(inv)),
		}}
	case capability.ModuleOS:
		if !inv.Gate.Unrestricted() {
			return nil
		}
		return &starlarkstruct.Module{Name: name, Members: osMembers()}
	}
	return nil
}

func helperMembers(inv *engine.Invocation) starlark.StringDict {
	countToken := starlark.NewBuiltin("count_token", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
			return nil, err
		}
		text, ok := starlark.AsString(v)
		if !ok {
			text = v.String()
		}
		return starlark.MakeInt(capability.CountToken(text)), nil
	})
	strToBase64 := starlark.NewBuiltin("str_to_base64", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text, prefix string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "prefix?", &prefix); err != nil {
			return nil, err
		}
		return starlark.String(capability.StrToBase64(text, prefix)), nil
	})
	createHmac := starlark.NewBuiltin("create_hmac", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var algorithm, secret string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "algorithm", &algorithm, "secret", &secret); err != nil {
			return nil, err
		}
		sig, err := capability.CreateHMAC(algorithm, secret, time.Now())
		if err != nil {
			return nil, err
		}
		return toStarlark(map[string]any{"timestamp": sig.Timestamp, "sign": sig.Sign})
	})
	delay := starlark.NewBuiltin("delay", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var ms starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &ms); err != nil {
			return nil, err
		}
		f, ok := starlark.AsFloat(ms)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want number", b.Name(), ms.Type())
		}
		if err := inv.Caps.Delay(int(f)); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})
	return starlark.StringDict{
		"count_token":   countToken,
		"countToken":    countToken,
		"str_to_base64": strToBase64,
		"strToBase64":   strToBase64,
		"create_hmac":   createHmac,
		"createHmac":    createHmac,
		"delay":         delay,
	}
}

func httpRequest(inv *engine.Invocation) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var url string
		method := "GET"
		var headers, body, timeout starlark.Value = starlark.None, starlark.None, starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"url", &url, "method?", &method, "headers?", &headers, "body?", &body, "timeout?", &timeout); err != nil {
			return nil, err
		}
		req := capability.HTTPRequest{URL: url, Method: method}
		switch h := headers.(type) {
		case starlark.NoneType:
		case *starlark.Dict:
			req.Headers = make(map[string]string, h.Len())
			for _, item := range h.Items() {
				v, ok := starlark.AsString(item[1])
				if !ok {
					v = item[1].String()
				}
				req.Headers[dictKey(item[0])] = v
			}
		default:
			return nil, fmt.Errorf("%s: headers: got %s, want dict", b.Name(), headers.Type())
		}
		if timeout != starlark.None {
			f, ok := starlark.AsFloat(timeout)
			if !ok {
				return nil, fmt.Errorf("%s: timeout: got %s, want number", b.Name(), timeout.Type())
			}
			req.Timeout = int(f)
		}
		if body != starlark.None {
			goBody, err := fromStarlark(body)
			if err != nil {
				return nil, fmt.Errorf("%s: body: %w", b.Name(), err)
			}
			req.Body = goBody
		}
		resp, err := inv.Caps.Request(req)
		if err != nil {
			return nil, err
		}
		return toStarlark(map[string]any{
			"status":  resp.Status,
			"headers": resp.Headers,
			"data":    resp.Data,
		})
	}
}

func tempfsMembers(inv *engine.Invocation) starlark.StringDict {
	withFS := func(name string, fn func(t *capability.TempFS, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			t, err := inv.Caps.TempFS()
			if err != nil {
				return nil, err
			}
			return fn(t, args, kwargs)
		})
	}
	return starlark.StringDict{
		"read_file": withFS("read_file", func(t *capability.TempFS, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs("read_file", args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			data, err := t.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return starlark.String(data), nil
		}),
		"write_file": withFS("write_file", func(t *capability.TempFS, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path, data string
			if err := starlark.UnpackArgs("write_file", args, kwargs, "path", &path, "data", &data); err != nil {
				return nil, err
			}
			return starlark.None, t.WriteFile(path, data)
		}),
		"list_dir": withFS("list_dir", func(t *capability.TempFS, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			path := "."
			if err := starlark.UnpackArgs("list_dir", args, kwargs, "path?", &path); err != nil {
				return nil, err
			}
			names, err := t.List(path)
			if err != nil {
				return nil, err
			}
			return toStarlark(names)
		}),
		"remove": withFS("remove", func(t *capability.TempFS, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs("remove", args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			return starlark.None, t.Remove(path)
		}),
	}
}

func sqlArgs(fn string, params starlark.Value) ([]any, error) {
	if params == starlark.None {
		return nil, nil
	}
	iterable, ok := params.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: params: got %s, want list", fn, params.Type())
	}
	var out []any
	iter := iterable.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for i := 0; iter.Next(&elem); i++ {
		v, err := fromStarlark(elem)
		if err != nil {
			return nil, fmt.Errorf("%s: param %d: %w", fn, i, err)
		}
		switch v.(type) {
		case nil, bool, int64, float64, string:
		default:
			return nil, fmt.Errorf("%s: param %d: unsupported type %s", fn, i, elem.Type())
		}
		out = append(out, v)
	}
	return out, nil
}

func sqlExec(inv *engine.Invocation) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var query string
		var params starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "sql", &query, "params?", &params); err != nil {
			return nil, err
		}
		bind, err := sqlArgs(b.Name(), params)
		if err != nil {
			return nil, err
		}
		db, err := inv.Caps.SQLite()
		if err != nil {
			return nil, err
		}
		res, err := db.Exec(query, bind)
		if err != nil {
			return nil, err
		}
		return toStarlark(map[string]any{"changes": res.Changes, "last_row_id": res.LastRowID})
	}
}

func sqlQuery(inv *engine.Invocation) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var query string
		var params starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "sql", &query, "params?", &params); err != nil {
			return nil, err
		}
		bind, err := sqlArgs(b.Name(), params)
		if err != nil {
			return nil, err
		}
		db, err := inv.Caps.SQLite()
		if err != nil {
			return nil, err
		}
		res, err := db.Query(query, bind)
		if err != nil {
			return nil, err
		}
		rows := make([]any, len(res.Rows))
		for i, r := range res.Rows {
			rows[i] = r
		}
		return toStarlark(map[string]any{"columns": res.Columns, "rows": rows})
	}
}

func osMembers() starlark.StringDict {
	var host capability.HostOS
	return starlark.StringDict{
		"getenv": starlark.NewBuiltin("getenv", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
				return nil, err
			}
			return starlark.String(host.Getenv(key)), nil
		}),
		"read_file": starlark.NewBuiltin("read_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			data, err := host.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return starlark.String(data), nil
		}),
		"write_file": starlark.NewBuiltin("write_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path, data string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "data", &data); err != nil {
				return nil, err
			}
			return starlark.None, host.WriteFile(path, data)
		}),
		"listdir": starlark.NewBuiltin("listdir", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			path := "."
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &path); err != nil {
				return nil, err
			}
			names, err := host.ListDir(path)
			if err != nil {
				return nil, err
			}
			return toStarlark(names)
		}),
	}
}
