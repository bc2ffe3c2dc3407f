// Package mapper turns raw device command output into canonical device facts.
//
// A command mapper is a YAML document, validated against a CUE schema, that
// names the commands to run on a platform and how to extract each fact from
// their output: a regular expression for text output or a CUE path for JSON
// output. An optional Starlark post-processor can reshape the result.
package mapper

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// Output formats a command can produce.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Command is one CLI command a mapper runs.
type Command struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Format  string `json:"format"`
}

// Field describes how to extract one fact.
type Field struct {
	// Command names the Command whose output is read.
	Command string `json:"command"`

	// Pattern is a regular expression for text output; the first capture group is the value.
	Pattern string `json:"pattern,omitempty"`

	// Path is a CUE path into JSON output, e.g. "serialNumber" or "chassis.id".
	Path string `json:"path,omitempty"`

	// Default is used when nothing matches. Without it a miss is a ParseError.
	Default *string `json:"default,omitempty"`

	re *regexp.Regexp
}

// Fields groups the extracted facts.
type Fields struct {
	Serial    Field  `json:"serial"`
	Model     Field  `json:"model"`
	OSVersion Field  `json:"os_version"`
	Hostname  *Field `json:"hostname,omitempty"`
	Vendor    *Field `json:"vendor,omitempty"`
}

// Interfaces extracts management interfaces from text output with named
// groups: name and address are required, prefix and mac are optional.
type Interfaces struct {
	Command string `json:"command"`
	Pattern string `json:"pattern"`

	re *regexp.Regexp
}

// Mapper is a validated command mapper for one platform.
type Mapper struct {
	Platform    string            `json:"platform"`
	Vendor      string            `json:"vendor"`
	Transport   string            `json:"transport"`
	Match       engine.MatchRules `json:"match"`
	Commands    []Command         `json:"commands"`
	Fields      Fields            `json:"fields"`
	Interfaces  *Interfaces       `json:"interfaces,omitempty"`
	PostProcess string            `json:"post_process,omitempty"`

	commands map[string]Command
	post     *PostProcessor
}

// Load parses and validates a mapper document.
func Load(data []byte) (*Mapper, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse mapper YAML: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("mapper document is empty")
	}

	sv, err := sharedValidator()
	if err != nil {
		return nil, err
	}

	m := &Mapper{}
	if err := sv.Apply(doc, m); err != nil {
		return nil, err
	}
	if err := m.compile(); err != nil {
		return nil, fmt.Errorf("mapper %s: %w", m.Platform, err)
	}
	return m, nil
}

func (m *Mapper) compile() error {
	m.commands = make(map[string]Command, len(m.Commands))
	for _, c := range m.Commands {
		if _, dup := m.commands[c.Name]; dup {
			return fmt.Errorf("duplicate command name %q", c.Name)
		}
		m.commands[c.Name] = c
	}

	for name, f := range m.fieldSet() {
		if f == nil {
			continue
		}
		cmd, ok := m.commands[f.Command]
		if !ok {
			return fmt.Errorf("field %s references unknown command %q", name, f.Command)
		}
		switch {
		case f.Pattern != "" && f.Path != "":
			return fmt.Errorf("field %s sets both pattern and path", name)
		case cmd.Format == FormatJSON && f.Path == "":
			return fmt.Errorf("field %s reads JSON output and needs a path", name)
		case cmd.Format == FormatText && f.Pattern == "":
			return fmt.Errorf("field %s reads text output and needs a pattern", name)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile("(?m)" + f.Pattern)
			if err != nil {
				return fmt.Errorf("field %s: invalid pattern: %w", name, err)
			}
			f.re = re
		}
	}

	if m.Interfaces != nil {
		if _, ok := m.commands[m.Interfaces.Command]; !ok {
			return fmt.Errorf("interfaces reference unknown command %q", m.Interfaces.Command)
		}
		re, err := regexp.Compile("(?m)" + m.Interfaces.Pattern)
		if err != nil {
			return fmt.Errorf("interfaces: invalid pattern: %w", err)
		}
		if re.SubexpIndex("name") < 0 || re.SubexpIndex("address") < 0 {
			return fmt.Errorf("interfaces pattern needs named groups name and address")
		}
		m.Interfaces.re = re
	}

	for _, rule := range []string{m.Match.SSHBanner, m.Match.SysDescr, m.Match.ServiceProduct} {
		if rule == "" {
			continue
		}
		if _, err := regexp.Compile(rule); err != nil {
			return fmt.Errorf("invalid match expression %q: %w", rule, err)
		}
	}

	if m.PostProcess != "" {
		pp, err := NewPostProcessor(m.Platform, m.PostProcess, 0)
		if err != nil {
			return err
		}
		m.post = pp
	}
	return nil
}

func (m *Mapper) fieldSet() map[string]*Field {
	return map[string]*Field{
		"serial":     &m.Fields.Serial,
		"model":      &m.Fields.Model,
		"os_version": &m.Fields.OSVersion,
		"hostname":   m.Fields.Hostname,
		"vendor":     m.Fields.Vendor,
	}
}

// Descriptor returns the registry descriptor for the mapper's platform.
func (m *Mapper) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Platform:  m.Platform,
		Vendor:    m.Vendor,
		Transport: m.Transport,
		Match:     m.Match,
	}
}

// CommandList returns the commands in declaration order.
func (m *Mapper) CommandList() []Command {
	return append([]Command(nil), m.Commands...)
}

// Extract builds DeviceFacts from command outputs keyed by command name.
// A missing output is a ProtocolError; an unmatched field without default is a ParseError.
func (m *Mapper) Extract(ctx context.Context, outputs map[string]string) (*engine.DeviceFacts, error) {
	normalized := make(map[string]string, len(outputs))
	for _, c := range m.Commands {
		out, ok := outputs[c.Name]
		if !ok {
			return nil, engine.NewProtocolError(fmt.Sprintf("no output for command %q", c.Command), nil).
				WithResource(m.Platform)
		}
		normalized[c.Name] = strings.ReplaceAll(out, "\r\n", "\n")
	}

	values := make(map[string]interface{})
	for name, f := range m.fieldSet() {
		if f == nil {
			continue
		}
		v, err := m.extractField(name, f, normalized)
		if err != nil {
			return nil, err
		}
		values[name] = v
	}

	if m.Interfaces != nil {
		values["interfaces"] = m.extractInterfaces(normalized[m.Interfaces.Command])
	}

	if m.post != nil {
		out, err := m.post.Run(ctx, values, normalized)
		if err != nil {
			return nil, engine.NewParseError("post-processor failed", err).WithResource(m.Platform)
		}
		values = out
	}

	facts, err := factsFromValues(values)
	if err != nil {
		return nil, engine.NewParseError("post-processor returned malformed facts", err).WithResource(m.Platform)
	}
	if facts.Vendor == "" {
		facts.Vendor = m.Vendor
	}
	return facts, nil
}

func (m *Mapper) extractField(name string, f *Field, outputs map[string]string) (string, error) {
	out := outputs[f.Command]
	cmd := m.commands[f.Command]

	var (
		value string
		found bool
	)
	switch cmd.Format {
	case FormatJSON:
		sv, err := sharedValidator()
		if err != nil {
			return "", err
		}
		value, found, err = sv.lookupJSON([]byte(out), f.Path)
		if err != nil {
			return "", engine.NewParseError(fmt.Sprintf("field %s", name), err).WithResource(m.Platform)
		}
	default:
		if match := f.re.FindStringSubmatch(out); match != nil {
			found = true
			if len(match) > 1 {
				value = match[1]
			} else {
				value = match[0]
			}
		}
	}

	value = strings.TrimSpace(value)
	if found && value != "" {
		return value, nil
	}
	if f.Default != nil {
		return *f.Default, nil
	}
	return "", engine.NewParseError(fmt.Sprintf("could not extract %s from %q output", name, cmd.Command), nil).
		WithResource(m.Platform).
		WithDetail("field", name)
}

func (m *Mapper) extractInterfaces(out string) []interface{} {
	re := m.Interfaces.re
	var ifaces []interface{}
	for _, match := range re.FindAllStringSubmatch(out, -1) {
		iface := map[string]interface{}{
			"name":    match[re.SubexpIndex("name")],
			"address": match[re.SubexpIndex("address")],
		}
		if i := re.SubexpIndex("prefix"); i >= 0 && match[i] != "" {
			iface["prefix_length"] = match[i]
		}
		if i := re.SubexpIndex("mac"); i >= 0 && match[i] != "" {
			iface["mac"] = match[i]
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces
}
