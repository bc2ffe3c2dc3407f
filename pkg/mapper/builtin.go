package mapper

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed mappers/*.yaml
var builtinFS embed.FS

// builtinOrder is the registration order of the built-in mappers. More
// specific platforms come first because the first detection match wins.
var builtinOrder = []string{
	"cisco_nxos",
	"cisco_ios",
	"arista_eos",
	"juniper_junos",
}

// Builtin returns the mappers shipped with the binary in registration order.
func Builtin() ([]*Mapper, error) {
	out := make([]*Mapper, 0, len(builtinOrder))
	for _, name := range builtinOrder {
		data, err := builtinFS.ReadFile("mappers/" + name + ".yaml")
		if err != nil {
			return nil, fmt.Errorf("built-in mapper %s: %w", name, err)
		}
		m, err := Load(data)
		if err != nil {
			return nil, fmt.Errorf("built-in mapper %s: %w", name, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// LoadDir loads every *.yaml or *.yml mapper under dir in lexical order.
func LoadDir(fsys fs.FS, dir string) ([]*Mapper, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapper directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := path.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Mapper, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read mapper %s: %w", name, err)
		}
		m, err := Load(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", strings.TrimSuffix(name, path.Ext(name)), err)
		}
		out = append(out, m)
	}
	return out, nil
}
