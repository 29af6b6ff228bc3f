package exec

// The Python side of the runner is embedded here as two small programs
// sharing one body: a warm worker that serves line-delimited JSON requests
// over stdio, and a one-shot runner that executes a single test passed on
// argv. Test prints are captured into buffers so stdout stays a clean
// protocol stream.

const workerBody = `
import sys
import os
import io
import json
import time
import asyncio
import inspect
import traceback
import importlib.util
import contextlib


def _should_track(filename):
    if not filename or filename.startswith("<"):
        return False
    return not any(x in filename for x in ("site-packages", "lib/python", "/usr/lib"))


def _norm_qualname(qualname):
    if ".<locals>." in qualname:
        return qualname.split(".<locals>.")[0]
    return qualname


def _install_monitoring(deps):
    mon = sys.monitoring
    tool_id = None
    for tid in range(1, mon.MAX_TOOL_ID + 1):
        try:
            mon.use_tool_id(tid, "taut_worker")
        except ValueError:
            continue
        tool_id = tid
        break
    if tool_id is None:
        raise RuntimeError("no free sys.monitoring tool id")

    def on_start(code, instruction_offset):
        filename = getattr(code, "co_filename", "")
        if _should_track(filename):
            deps.add((os.path.abspath(filename), _norm_qualname(code.co_qualname)))

    mon.register_callback(tool_id, mon.events.PY_START, on_start)
    mon.set_events(tool_id, mon.events.PY_START)

    def uninstall():
        mon.set_events(tool_id, 0)
        mon.register_callback(tool_id, mon.events.PY_START, None)
        mon.free_tool_id(tool_id)

    return uninstall


def _install_settrace(deps):
    def tracer(frame, event, arg):
        if event == "call":
            code = frame.f_code
            if _should_track(code.co_filename):
                deps.add((os.path.abspath(code.co_filename), _norm_qualname(code.co_qualname)))
        return tracer

    sys.settrace(tracer)
    return lambda: sys.settrace(None)


def _drive(value):
    loop = asyncio.new_event_loop()
    try:
        return loop.run_until_complete(value)
    finally:
        asyncio.set_event_loop(None)
        loop.close()


def _error(exc_kind, exc):
    return {
        "message": "{}: {}: {}".format(exc_kind, type(exc).__name__, exc),
        "traceback": traceback.format_exc(),
    }


def _coerce_marker(v):
    if isinstance(v, (bool, int, float, str)):
        return v
    if isinstance(v, (list, tuple, set)):
        return [str(x) for x in v]
    return str(v)


def _runtime_markers(target):
    runtime = {}
    if getattr(target, "_taut_parallel", False):
        runtime["parallel"] = True
    attr_markers = getattr(target, "_taut_markers", None)
    if isinstance(attr_markers, dict):
        runtime["values"] = {str(k): _coerce_marker(v) for k, v in attr_markers.items()}
    if getattr(target, "_taut_skip", False):
        runtime["skip"] = True
        reason = getattr(target, "_taut_skip_reason", "") or ""
        if reason:
            runtime["skip_reason"] = reason
    return runtime


def run_test(req):
    test = req.get("test", {})
    test_file = test["file"]
    test_name = test["function"]
    class_name = test.get("class") or None
    trace = req.get("trace", False)
    request_id = req.get("id", 0)

    result = {
        "id": test.get("id", ""),
        "outcome": "errored",
        "duration_ms": 0.0,
        "stdout": "",
        "stderr": "",
        "error": None,
    }
    deps = set()
    uninstall = None
    out_buf = io.StringIO()
    err_buf = io.StringIO()
    mod_name = "taut_test_{}".format(request_id)
    start = time.perf_counter()

    try:
        test_dir = os.path.dirname(os.path.abspath(test_file))
        if test_dir not in sys.path:
            sys.path.insert(0, test_dir)

        if trace:
            try:
                uninstall = _install_monitoring(deps)
            except Exception:
                uninstall = _install_settrace(deps)

        own = "{}.{}".format(class_name, test_name) if class_name else test_name
        deps.add((os.path.abspath(test_file), own))

        with contextlib.redirect_stdout(out_buf), contextlib.redirect_stderr(err_buf):
            try:
                spec = importlib.util.spec_from_file_location(mod_name, test_file)
                module = importlib.util.module_from_spec(spec)
                sys.modules[mod_name] = module
                spec.loader.exec_module(module)
            except Exception as e:
                result["error"] = _error("import failed", e)
                return result, deps

            instance = None
            if class_name:
                try:
                    cls = getattr(module, class_name)
                    instance = cls()
                except Exception as e:
                    result["error"] = _error("class setup failed", e)
                    return result, deps
                func = getattr(instance, test_name, None)
            else:
                func = getattr(module, test_name, None)

            if func is None:
                result["error"] = {
                    "message": "test {} not found in {}".format(test_name, test_file),
                    "traceback": "",
                }
                return result, deps

            # Runtime decorator attributes are authoritative; report them
            # back so the orchestrator can merge them over the static set.
            target = func.__func__ if inspect.ismethod(func) else func
            runtime = _runtime_markers(target)
            if runtime:
                result["markers"] = runtime
            if runtime.get("skip"):
                result["outcome"] = "skipped"
                result["skip_reason"] = runtime.get("skip_reason") or "marked with @skip"
                return result, deps

            if instance is not None and hasattr(instance, "setUp"):
                try:
                    instance.setUp()
                except Exception as e:
                    result["error"] = _error("setUp failed", e)
                    return result, deps

            try:
                try:
                    value = func()
                    if inspect.isawaitable(value):
                        _drive(value)
                    result["outcome"] = "passed"
                except AssertionError as e:
                    result["outcome"] = "failed"
                    result["error"] = {
                        "message": str(e) or "assertion failed",
                        "traceback": traceback.format_exc(),
                    }
                except Exception as e:
                    result["outcome"] = "failed"
                    result["error"] = {
                        "message": "{}: {}".format(type(e).__name__, e),
                        "traceback": traceback.format_exc(),
                    }
            finally:
                # tearDown always runs after the test, even on failure.
                if instance is not None and hasattr(instance, "tearDown"):
                    try:
                        instance.tearDown()
                    except Exception as e:
                        result["outcome"] = "errored"
                        result["error"] = _error("tearDown failed", e)

            return result, deps
    finally:
        if uninstall is not None:
            try:
                uninstall()
            except Exception:
                pass
        sys.modules.pop(mod_name, None)
        result["stdout"] = out_buf.getvalue()
        result["stderr"] = err_buf.getvalue()
        result["duration_ms"] = (time.perf_counter() - start) * 1000.0


def make_response(req, result, deps):
    resp = {
        "id": req.get("id", 0),
        "result": result,
        "deps": [{"file": f, "name": n} for f, n in sorted(deps)],
    }
    markers = result.pop("markers", None)
    if markers:
        resp["markers"] = markers
    return resp
`

// poolScript is the long-lived warm worker: announce readiness, then serve
// one request per line until stdin closes.
const poolScript = workerBody + `

def main():
    sys.stdout.reconfigure(line_buffering=True)
    print(json.dumps({"ready": True, "pid": os.getpid()}), flush=True)

    for line in sys.stdin:
        line = line.strip()
        if not line:
            continue

        req = {}
        try:
            req = json.loads(line)
            result, deps = run_test(req)
        except Exception as e:
            result = {
                "id": "",
                "outcome": "errored",
                "duration_ms": 0.0,
                "stdout": "",
                "stderr": "",
                "error": _error("worker error", e),
            }
            deps = set()

        print(json.dumps(make_response(req, result, deps)), flush=True)


if __name__ == "__main__":
    main()
`

// oneShotScript runs a single test described by a JSON payload in argv[1]
// and prints a single response line.
const oneShotScript = workerBody + `

def main():
    req = json.loads(sys.argv[1])
    result, deps = run_test(req)
    print(json.dumps(make_response(req, result, deps)), flush=True)


if __name__ == "__main__":
    main()
`
