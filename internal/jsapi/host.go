package jsapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cryguy/sandbox/internal/capability"
	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/eventloop"
	"github.com/cryguy/sandbox/internal/policy"
)

// builtinModules are resolved by the prelude's builtins table.
var builtinModules = map[string]bool{
	"json":                    true,
	"math":                    true,
	"time":                    true,
	capability.ModuleHelper:   true,
	capability.ModuleSafeHTTP: true,
	capability.ModuleTempFS:   true,
	capability.ModuleSQLite:   true,
}

// loadResult is what __sb_load hands back to require.
type loadResult struct {
	Name   string `json:"name,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error,omitempty"`
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// done adapts an error-only operation to the (value, error) shape host
// functions use; QuickJS cannot return a Go bool or nothing alongside an
// error.
func done(err error) (int, error) {
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// decodeParams parses a JSON array of statement parameters.
func decodeParams(raw string) ([]any, error) {
	var params []any
	if raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("params must be an array: %w", err)
	}
	return params, nil
}

// registerHost installs the __sb_* functions the prelude collects. os
// functions exist only when the gate is unrestricted. Capability functions
// check the gate themselves on every call, so script code that forges a
// module object still reaches nothing the policy denies.
func registerHost(rt core.JSRuntime, el *eventloop.EventLoop, inv *engine.Invocation, libs *Libraries) error {
	load := func(name string) string {
		res := resolve(inv, libs, name)
		out, _ := encode(res)
		return out
	}
	tempFS := func() (*capability.TempFS, error) {
		if err := inv.Load(capability.ModuleTempFS); err != nil {
			return nil, err
		}
		return inv.Caps.TempFS()
	}
	sqlite := func() (*capability.SQLite, error) {
		if err := inv.Load(capability.ModuleSQLite); err != nil {
			return nil, err
		}
		return inv.Caps.SQLite()
	}

	funcs := map[string]any{
		"__sb_log": func(level, msg string) {
			inv.State.AddLog(level, msg)
		},
		"__sb_timerRegister": func(delayMs int, interval bool) int {
			return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, interval)
		},
		"__sb_timerClear": func(id int) {
			el.ClearTimer(id)
		},
		"__sb_load": load,
		"__sb_countToken": func(text string) int {
			return capability.CountToken(text)
		},
		"__sb_strToBase64": func(text, prefix string) string {
			return capability.StrToBase64(text, prefix)
		},
		"__sb_createHmac": func(algorithm, secret string) (string, error) {
			sig, err := capability.CreateHMAC(algorithm, secret, time.Now())
			if err != nil {
				return "", err
			}
			return encode(sig)
		},
		"__sb_delayCheck": func(ms int) (int, error) {
			if limit := inv.Caps.Config().MaxDelay; time.Duration(ms)*time.Millisecond > limit {
				return 0, fmt.Errorf("Delay must be <= %dms", limit.Milliseconds())
			}
			return ms, nil
		},
		"__sb_httpStart": func(url, opts string) (int, error) {
			if err := inv.Load(capability.ModuleSafeHTTP); err != nil {
				return 0, err
			}
			var req capability.HTTPRequest
			if err := json.Unmarshal([]byte(opts), &req); err != nil {
				return 0, fmt.Errorf("invalid request options: %w", err)
			}
			req.URL = url
			return el.StartCall(func() (string, error) {
				resp, err := inv.Caps.Request(req)
				if err != nil {
					return "", err
				}
				return encode(resp)
			}), nil
		},
		"__sb_fsRead": func(path string) (string, error) {
			fs, err := tempFS()
			if err != nil {
				return "", err
			}
			return fs.ReadFile(path)
		},
		"__sb_fsWrite": func(path, data string) (int, error) {
			fs, err := tempFS()
			if err != nil {
				return 0, err
			}
			return done(fs.WriteFile(path, data))
		},
		"__sb_fsList": func(path string) (string, error) {
			fs, err := tempFS()
			if err != nil {
				return "", err
			}
			names, err := fs.List(path)
			if err != nil {
				return "", err
			}
			return encode(names)
		},
		"__sb_fsRemove": func(path string) (int, error) {
			fs, err := tempFS()
			if err != nil {
				return 0, err
			}
			return done(fs.Remove(path))
		},
		"__sb_sqlExec": func(query, params string) (string, error) {
			args, err := decodeParams(params)
			if err != nil {
				return "", err
			}
			db, err := sqlite()
			if err != nil {
				return "", err
			}
			res, err := db.Exec(query, args)
			if err != nil {
				return "", err
			}
			return encode(res)
		},
		"__sb_sqlQuery": func(query, params string) (string, error) {
			args, err := decodeParams(params)
			if err != nil {
				return "", err
			}
			db, err := sqlite()
			if err != nil {
				return "", err
			}
			res, err := db.Query(query, args)
			if err != nil {
				return "", err
			}
			return encode(res)
		},
	}

	if inv.Gate.Unrestricted() {
		var hostOS capability.HostOS
		funcs["__sb_osGetenv"] = hostOS.Getenv
		funcs["__sb_osReadFile"] = hostOS.ReadFile
		funcs["__sb_osWriteFile"] = func(path, data string) (int, error) {
			return done(hostOS.WriteFile(path, data))
		}
		funcs["__sb_osListDir"] = func(path string) (string, error) {
			names, err := hostOS.ListDir(path)
			if err != nil {
				return "", err
			}
			return encode(names)
		}
	}

	for name, fn := range funcs {
		if err := rt.RegisterFunc(name, fn); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

// resolve is the JavaScript side of the module loader. The policy check
// always runs before any lookup.
func resolve(inv *engine.Invocation, libs *Libraries, name string) loadResult {
	if err := inv.Load(name); err != nil {
		return loadResult{Error: core.Message(err)}
	}
	key := policy.Normalize(name)
	if builtinModules[key] || (key == capability.ModuleOS && inv.Gate.Unrestricted()) {
		return loadResult{Name: key, Kind: "builtin"}
	}
	if src, ok := libs.Source(key); ok {
		return loadResult{Name: key, Kind: "library", Source: src}
	}
	return loadResult{Error: fmt.Sprintf("Cannot find module '%s'", name)}
}
