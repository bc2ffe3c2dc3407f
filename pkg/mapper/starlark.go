package mapper

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxSteps bounds a post-processor's work independently of wall time.
const maxSteps = 5_000_000

// PostProcessor runs a mapper's Starlark script. The script must define
//
//	def process(facts, outputs):
//
// where facts is a dict of the extracted fields and outputs maps command
// names to raw output. It returns the (possibly modified) facts dict.
type PostProcessor struct {
	name    string
	program string
	timeout time.Duration
}

// NewPostProcessor checks that the script compiles and defines process.
func NewPostProcessor(name, script string, timeout time.Duration) (*PostProcessor, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	pp := &PostProcessor{name: name, program: script, timeout: timeout}

	globals, err := pp.exec(&starlark.Thread{Name: name})
	if err != nil {
		return nil, err
	}
	if _, ok := globals["process"].(starlark.Callable); !ok {
		return nil, fmt.Errorf("%s: post_process must define process(facts, outputs)", name)
	}
	return pp, nil
}

// Run calls process with the given facts and outputs.
func (pp *PostProcessor) Run(ctx context.Context, facts map[string]interface{}, outputs map[string]string) (map[string]interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, pp.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: pp.name,
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}
	thread.SetMaxExecutionSteps(maxSteps)

	type result struct {
		out map[string]interface{}
		err error
	}
	done := make(chan result, 1)

	go func() {
		out, err := pp.runSync(thread, facts, outputs)
		done <- result{out, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("post-processor deadline exceeded")
		<-done
		return nil, fmt.Errorf("%s: starlark execution timeout after %v", pp.name, pp.timeout)
	case r := <-done:
		return r.out, r.err
	}
}

func (pp *PostProcessor) exec(thread *starlark.Thread) (starlark.StringDict, error) {
	predeclared := starlark.StringDict{
		"struct":     starlarkstruct.Default,
		"json":       starlarkjson.Module,
		"re_find":    starlark.NewBuiltin("re_find", builtinReFind),
		"re_findall": starlark.NewBuiltin("re_findall", builtinReFindAll),
		"lines":      starlark.NewBuiltin("lines", builtinLines),
	}

	globals, err := starlark.ExecFile(thread, pp.name+".star", pp.program, predeclared)
	if err != nil {
		return nil, fmt.Errorf("%s: starlark execution failed: %w", pp.name, err)
	}
	return globals, nil
}

func (pp *PostProcessor) runSync(thread *starlark.Thread, facts map[string]interface{}, outputs map[string]string) (map[string]interface{}, error) {
	globals, err := pp.exec(thread)
	if err != nil {
		return nil, err
	}

	factsVal, err := toStarlarkValue(facts)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to convert facts: %w", pp.name, err)
	}
	outDict := starlark.NewDict(len(outputs))
	for k, v := range outputs {
		if err := outDict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, err
		}
	}

	ret, err := starlark.Call(thread, globals["process"], starlark.Tuple{factsVal, outDict}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: process failed: %w", pp.name, err)
	}

	goVal, err := fromStarlarkValue(ret)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to convert result: %w", pp.name, err)
	}
	out, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: process must return a dict, got %s", pp.name, ret.Type())
	}
	return out, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// builtinReFind returns the first capture group (or whole match) of pattern in text, or None.
func builtinReFind(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "text", &text); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	m := re.FindStringSubmatch(text)
	switch {
	case m == nil:
		return starlark.None, nil
	case len(m) > 1:
		return starlark.String(m[1]), nil
	default:
		return starlark.String(m[0]), nil
	}
}

// builtinReFindAll returns every match as a list of capture-group tuples.
func builtinReFindAll(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "text", &text); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	var out []starlark.Value
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		groups := m
		if len(m) > 1 {
			groups = m[1:]
		}
		tuple := make(starlark.Tuple, len(groups))
		for i, g := range groups {
			tuple[i] = starlark.String(g)
		}
		out = append(out, tuple)
	}
	return starlark.NewList(out), nil
}

// builtinLines splits text into trimmed, non-empty lines.
func builtinLines(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, starlark.String(line))
		}
	}
	return starlark.NewList(out), nil
}
