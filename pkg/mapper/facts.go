package mapper

import (
	"fmt"
	"strconv"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// factsFromValues converts the extracted (and post-processed) value map into DeviceFacts.
func factsFromValues(values map[string]interface{}) (*engine.DeviceFacts, error) {
	str := func(key string) (string, error) {
		switch v := values[key].(type) {
		case nil:
			return "", nil
		case string:
			return v, nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		default:
			return "", fmt.Errorf("%s must be a string, got %T", key, v)
		}
	}

	facts := &engine.DeviceFacts{}
	var err error
	if facts.Serial, err = str("serial"); err != nil {
		return nil, err
	}
	if facts.Model, err = str("model"); err != nil {
		return nil, err
	}
	if facts.OSVersion, err = str("os_version"); err != nil {
		return nil, err
	}
	if facts.Hostname, err = str("hostname"); err != nil {
		return nil, err
	}
	if facts.Vendor, err = str("vendor"); err != nil {
		return nil, err
	}

	raw, ok := values["interfaces"]
	if !ok || raw == nil {
		return facts, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("interfaces must be a list, got %T", raw)
	}
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("interfaces[%d] must be a dict, got %T", i, item)
		}
		iface := engine.ManagementInterface{}
		iface.Name, _ = m["name"].(string)
		iface.Address, _ = m["address"].(string)
		iface.MAC, _ = m["mac"].(string)
		switch p := m["prefix_length"].(type) {
		case int64:
			iface.PrefixLength = int(p)
		case string:
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("interfaces[%d].prefix_length: %w", i, err)
			}
			iface.PrefixLength = n
		}
		if iface.Name == "" {
			return nil, fmt.Errorf("interfaces[%d] has no name", i)
		}
		facts.Interfaces = append(facts.Interfaces, iface)
	}
	return facts, nil
}
