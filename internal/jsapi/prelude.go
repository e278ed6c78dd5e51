package jsapi

// preludeJS runs once per task VM after the host functions are registered.
// It moves every __sb_* host function into a private table, installs
// console and timers, and defines the gated require used by task code.
const preludeJS = `
(function(g) {
	var parse = JSON.parse, stringify = JSON.stringify, apply = Reflect.apply;
	var hasOwn = Object.prototype.hasOwnProperty;
	var host = {};
	Object.getOwnPropertyNames(g).forEach(function(n) {
		if (n.indexOf('__sb_') === 0 && typeof g[n] === 'function') {
			host[n.slice(5)] = g[n];
			delete g[n];
		}
	});

	function hostError(e) {
		var msg = String(e && e.message !== undefined ? e.message : e);
		return new Error(msg.replace(/^calling __sb_\w+: /, ''));
	}
	function call(name, args) {
		try {
			return apply(host[name], null, args);
		} catch (e) {
			throw hostError(e);
		}
	}

	function format(a) {
		if (typeof a === 'string') return a;
		if (a instanceof Error) return String(a);
		if (typeof a === 'object' && a !== null) {
			try { return stringify(a); } catch (e) { return String(a); }
		}
		return String(a);
	}
	var con = {};
	['log', 'info', 'warn', 'error', 'debug'].forEach(function(level) {
		con[level] = function() {
			var parts = [];
			for (var i = 0; i < arguments.length; i++) parts.push(format(arguments[i]));
			host.log(level, parts.join(' '));
		};
	});
	con.trace = con.debug;
	g.console = con;

	g.__timerCallbacks = {};
	function schedule(fn, delay, extra, interval) {
		if (typeof fn !== 'function') return 0;
		var id = host.timerRegister(Math.max(0, Math.floor(Number(delay) || 0)), interval);
		g.__timerCallbacks[id] = { fn: fn, args: extra, interval: interval };
		return id;
	}
	g.setTimeout = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	g.setInterval = function(fn, interval) {
		return schedule(fn, interval, Array.prototype.slice.call(arguments, 2), true);
	};
	g.clearTimeout = g.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		host.timerClear(id);
		delete g.__timerCallbacks[id];
	};

	var pending = {};
	g.__callSettle = function(id, ok, payload) {
		var p = pending[id];
		if (!p) return;
		delete pending[id];
		if (ok) p.resolve(payload); else p.reject(new Error(payload));
	};
	function hostAsync(name, args, decode) {
		return new Promise(function(resolve, reject) {
			var id = call(name, args);
			pending[id] = {
				resolve: function(payload) {
					try { resolve(decode(payload)); } catch (e) { reject(e); }
				},
				reject: reject
			};
		});
	}
	function str(v, def) {
		return v === undefined || v === null ? def : String(v);
	}

	var builtins = {
		json: function() {
			return { parse: parse, stringify: stringify };
		},
		math: function() {
			return Math;
		},
		time: function() {
			return {
				now: function() { return Date.now(); },
				time: function() { return Date.now() / 1000; }
			};
		},
		helper: function() {
			return {
				countToken: function(text) { return call('countToken', [str(text, '')]); },
				strToBase64: function(text, prefix) { return call('strToBase64', [str(text, ''), str(prefix, '')]); },
				createHmac: function(algorithm, secret) { return parse(call('createHmac', [str(algorithm, ''), str(secret, '')])); },
				delay: function(ms) {
					ms = Math.max(0, Math.floor(Number(ms) || 0));
					try {
						call('delayCheck', [ms]);
					} catch (e) {
						return Promise.reject(e);
					}
					return new Promise(function(resolve) { g.setTimeout(resolve, ms); });
				}
			};
		},
		safehttp: function() {
			function request(url, opts) {
				try {
					return hostAsync('httpStart', [str(url, ''), stringify(opts || {})], parse);
				} catch (e) {
					return Promise.reject(e);
				}
			}
			return { request: request, httpRequest: request };
		},
		tempfs: function() {
			return {
				readFile: function(p) { return call('fsRead', [str(p, '')]); },
				writeFile: function(p, data) { call('fsWrite', [str(p, ''), str(data, '')]); },
				listDir: function(p) { return parse(call('fsList', [str(p, '.')])); },
				remove: function(p) { call('fsRemove', [str(p, '')]); }
			};
		},
		sqlite: function() {
			return {
				exec: function(sql, params) { return parse(call('sqlExec', [str(sql, ''), stringify(params || [])])); },
				query: function(sql, params) { return parse(call('sqlQuery', [str(sql, ''), stringify(params || [])])); }
			};
		},
		os: function() {
			return {
				getenv: function(k) { return call('osGetenv', [str(k, '')]); },
				readFile: function(p) { return call('osReadFile', [str(p, '')]); },
				writeFile: function(p, data) { call('osWriteFile', [str(p, ''), str(data, '')]); },
				listDir: function(p) { return parse(call('osListDir', [str(p, '.')])); }
			};
		}
	};

	var cache = Object.create(null);
	function require(name) {
		var res = parse(host.load(str(name, '')));
		if (res.error) throw new Error(res.error);
		var key = res.name;
		if (apply(hasOwn, cache, [key])) return cache[key];
		if (res.kind === 'builtin') {
			cache[key] = builtins[key]();
			return cache[key];
		}
		var module = { exports: {} };
		cache[key] = module.exports;
		var factory = (0, eval)('(function(require, module, exports) {\n' + res.source + '\n})');
		factory(require, module, module.exports);
		cache[key] = module.exports;
		return module.exports;
	}

	var reserved = {};
	('break case catch class const continue debugger default delete do else enum export extends ' +
		'false finally for function if import in instanceof new null return super switch this throw ' +
		'true try typeof var void while with yield let static implements interface package private ' +
		'protected public await arguments eval undefined NaN Infinity require console variables main module exports')
		.split(' ').forEach(function(w) { reserved[w] = true; });

	g.__sb_start = function(src, varsJSON) {
		delete g.__sb_start;
		var vars = parse(varsJSON);
		var locals = '';
		Object.keys(vars).forEach(function(k) {
			if (/^[A-Za-z_$][\w$]*$/.test(k) && !reserved[k]) {
				locals += 'var ' + k + ' = variables[' + stringify(k) + '];\n';
			}
		});
		var factory = (0, eval)('(function(require, console, variables, module, exports) {\n' + locals + src +
			'\n;return typeof main === "function" ? main : undefined;\n})');
		var module = { exports: {} };
		var main = factory(require, con, vars, module, module.exports);
		if (typeof main !== 'function' && module.exports && typeof module.exports.main === 'function') {
			main = module.exports.main;
		}
		if (typeof main !== 'function') return false;
		g.__sb_result = main(vars);
		return true;
	};
})(globalThis);
`

// startJS hands the task source and variables to the prelude and reports
// whether main was defined.
const startJS = `(function() {
	var src = globalThis.__sb_src, vars = globalThis.__sb_vars;
	delete globalThis.__sb_src;
	delete globalThis.__sb_vars;
	return globalThis.__sb_start(src, vars);
})()`

// resultJS serializes the settled main result. undefined and values
// JSON.stringify drops become null.
const resultJS = `(function() {
	var r = globalThis.__sb_result;
	delete globalThis.__sb_result;
	if (r === undefined) return "null";
	var s = stringify(r);
	return s === undefined ? "null" : s;
})()`
