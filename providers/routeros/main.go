// Package main implements the mikrotik_routeros driver plugin for netonboard.
// It parses RouterOS CLI output into device facts and compiles to a WASI
// reactor module:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o routeros.wasm .
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Input is what the host passes to parse_facts.
type Input struct {
	Platform string            `json:"platform"`
	Outputs  map[string]string `json:"outputs"`
}

// Interface is one addressed interface.
type Interface struct {
	Name         string `json:"name"`
	Address      string `json:"address,omitempty"`
	PrefixLength int    `json:"prefix_length,omitempty"`
}

// Facts mirrors the host's device facts object.
type Facts struct {
	Hostname   string      `json:"hostname,omitempty"`
	Vendor     string      `json:"vendor,omitempty"`
	Serial     string      `json:"serial"`
	Model      string      `json:"model"`
	OSVersion  string      `json:"os_version"`
	Interfaces []Interface `json:"interfaces,omitempty"`
}

type errorOutput struct {
	Error string `json:"error"`
}

// Parse turns the raw command outputs into facts.
func Parse(in Input) (*Facts, error) {
	resource := keyValues(in.Outputs["resource"])
	board := keyValues(in.Outputs["routerboard"])
	identity := keyValues(in.Outputs["identity"])

	facts := &Facts{
		Hostname:  identity["name"],
		Vendor:    "MikroTik",
		Serial:    board["serial-number"],
		Model:     board["model"],
		OSVersion: versionNumber(resource["version"]),
	}
	if facts.Model == "" {
		facts.Model = resource["board-name"]
	}

	// CHR and x86 installs have no routerboard; the software id stands in.
	if facts.Serial == "" {
		facts.Serial = board["software-id"]
	}

	if facts.OSVersion == "" {
		return nil, fmt.Errorf("no version in /system resource output")
	}
	if facts.Serial == "" {
		return nil, fmt.Errorf("no serial-number in /system routerboard output")
	}

	facts.Interfaces = addresses(in.Outputs["addresses"])
	return facts, nil
}

// keyValues reads RouterOS "key: value" print output.
func keyValues(out string) map[string]string {
	kv := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		kv[key] = strings.TrimSpace(value)
	}
	return kv
}

// versionNumber strips the release channel: "7.14.2 (stable)" -> "7.14.2".
func versionNumber(v string) string {
	if i := strings.IndexByte(v, ' '); i >= 0 {
		return v[:i]
	}
	return v
}

// addresses reads "/ip address print terse" lines such as
//
//	0   address=192.0.2.1/24 network=192.0.2.0 interface=ether1
//
// Disabled (X) and invalid (I) entries are skipped.
func addresses(out string) []Interface {
	var ifaces []Interface
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		attrs := make(map[string]string)
		skip := false
		for _, f := range fields[1:] {
			key, value, ok := strings.Cut(f, "=")
			if !ok {
				if strings.ContainsAny(f, "XI") {
					skip = true
				}
				continue
			}
			attrs[key] = value
		}
		if skip || attrs["address"] == "" || attrs["interface"] == "" {
			continue
		}

		iface := Interface{Name: attrs["interface"], Address: attrs["address"]}
		if addr, prefix, ok := strings.Cut(iface.Address, "/"); ok {
			iface.Address = addr
			iface.PrefixLength, _ = strconv.Atoi(prefix)
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces
}

// handle runs one parse_facts call on JSON input and returns JSON output.
func handle(input []byte) []byte {
	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return mustJSON(errorOutput{Error: "malformed input: " + err.Error()})
	}
	facts, err := Parse(in)
	if err != nil {
		return mustJSON(errorOutput{Error: err.Error()})
	}
	return mustJSON(facts)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"failed to encode output"}`)
	}
	return data
}

func main() {}
