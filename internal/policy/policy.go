// Package policy decides which modules task code may import.
//
// A decision is made in order: the deny list rejects, then the safe core
// permits, then the allowlist permits, and everything else is rejected.
// The deny list cannot be overridden by the allowlist.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cryguy/sandbox/internal/core"
)

// denyList names modules that give task code process, filesystem, network,
// reflection or native-code access. Entries are top-level names.
var denyList = map[string]struct{}{
	// process and host
	"os": {}, "sys": {}, "subprocess": {}, "multiprocessing": {}, "signal": {},
	"pty": {}, "posix": {}, "nt": {}, "resource": {}, "platform": {},
	"process": {}, "child_process": {}, "cluster": {}, "worker_threads": {},
	"v8": {}, "vm": {}, "inspector": {}, "repl": {}, "module": {},
	// filesystem
	"io": {}, "shutil": {}, "pathlib": {}, "glob": {}, "tempfile": {},
	"fileinput": {}, "fs": {}, "path": {},
	// network
	"socket": {}, "ssl": {}, "http": {}, "https": {}, "http2": {}, "net": {},
	"dgram": {}, "dns": {}, "tls": {}, "urllib": {}, "urllib3": {},
	"requests": {}, "ftplib": {}, "smtplib": {}, "telnetlib": {},
	"socketserver": {}, "asyncio": {},
	// native code and reflection
	"ctypes": {}, "cffi": {}, "importlib": {}, "imp": {}, "builtins": {},
	"inspect": {}, "gc": {}, "code": {}, "codeop": {}, "marshal": {},
	"pickle": {}, "shelve": {}, "threading": {}, "_thread": {},
}

// safeCore names modules every task may import without listing them.
var safeCore = map[string]struct{}{
	"json":   {},
	"math":   {},
	"time":   {},
	"helper": {},
}

// Normalize maps an import name to the top-level component the policy
// rules are written against: a "node:" prefix is dropped and anything after
// the first "." or "/" is ignored. Comparison is case-sensitive.
func Normalize(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "node:")
	if i := strings.IndexAny(name, "./"); i >= 0 {
		name = name[:i]
	}
	return name
}

// IsDenied reports whether name is on the deny list.
func IsDenied(name string) bool {
	_, ok := denyList[Normalize(name)]
	return ok
}

// IsSafeCore reports whether name is always permitted.
func IsSafeCore(name string) bool {
	_, ok := safeCore[Normalize(name)]
	return ok
}

// DenyList returns the sorted deny list.
func DenyList() []string { return sortedKeys(denyList) }

// SafeCore returns the sorted safe core.
func SafeCore() []string { return sortedKeys(safeCore) }

// Policy is an immutable import decision table, fixed at startup.
type Policy struct {
	allow        map[string]struct{}
	unrestricted bool
}

// New builds the restricted policy for the given allowlist. Entries are
// normalized; empty entries are ignored.
func New(allowed []string) *Policy {
	p := &Policy{allow: make(map[string]struct{}, len(allowed))}
	for _, name := range allowed {
		if n := Normalize(name); n != "" {
			p.allow[n] = struct{}{}
		}
	}
	return p
}

// Unrestricted returns the policy used by the warmup worker: every import
// is permitted.
func Unrestricted() *Policy {
	return &Policy{unrestricted: true}
}

// Unrestricted reports whether the policy permits everything.
func (p *Policy) Unrestricted() bool { return p.unrestricted }

// Allowed returns the sorted allowlist.
func (p *Policy) Allowed() []string { return sortedKeys(p.allow) }

// Check returns nil when name may be imported, or a policy violation whose
// message names the module.
func (p *Policy) Check(name string) error {
	if p.unrestricted {
		return nil
	}
	top := Normalize(name)
	if _, ok := denyList[top]; ok {
		return core.NewTaskError(core.KindPolicy,
			fmt.Sprintf("Module '%s' is not allowed in sandbox", top), core.ErrPolicyViolation)
	}
	if _, ok := safeCore[top]; ok {
		return nil
	}
	if _, ok := p.allow[top]; ok {
		return nil
	}
	return core.NewTaskError(core.KindPolicy,
		fmt.Sprintf("Module '%s' is not in the allowlist", top), core.ErrPolicyViolation)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
