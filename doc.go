// Package sandbox is a long-lived worker that runs untrusted script
// snippets sent over a line-delimited JSON protocol.
//
// A worker reads an init record fixing the module allowlist, then answers
// every task record with exactly one result record:
//
//	{"type":"init","allowedModules":["sqlite"]}
//	{"code":"def main(variables):\n    return 2 + 2\n","variables":{},"timeoutMs":1000}
//	-> {"success":true,"data":4}
//
// Each task runs in a fresh interpreter with no state carried over from
// earlier tasks. Module imports pass through a single access policy with a
// fixed denylist, a small safe core and the allowlist from init. Tasks that
// overrun their timeout are interrupted; a task that cannot be interrupted
// makes the worker exit so the orchestrator can replace it.
//
// Starlark is always available. JavaScript runs on QuickJS by default or
// on V8 when built with -tags v8.
package sandbox
