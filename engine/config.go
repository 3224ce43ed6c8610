package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wangn9900/Slux/tun"
)

// Opaque reports whether config is not a JSON object. Opaque configs
// carry no interface request and are never rewritten.
func Opaque(config string) bool {
	return !strings.HasPrefix(strings.TrimSpace(config), "{")
}

// InjectTunDescriptor rewrites every inbound of type "tun" in a JSON engine
// config so that it adopts fd instead of creating its own interface. The
// daemon already installed routes, so auto_route is switched off.
func InjectTunDescriptor(config string, fd int) (string, error) {
	if Opaque(config) {
		return config, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(config), &raw); err != nil {
		return "", fmt.Errorf("parse config: %w", err)
	}
	if fd <= 0 {
		return config, nil
	}

	inbounds, _ := raw["inbounds"].([]any)
	for i, ib := range inbounds {
		inbound, ok := ib.(map[string]any)
		if !ok || inbound["type"] != "tun" {
			continue
		}
		inbound["file_descriptor"] = fd
		inbound["auto_route"] = false
		inbound["interface_name"] = ""
		inbounds[i] = inbound
	}
	if inbounds != nil {
		raw["inbounds"] = inbounds
	}

	out, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(out), nil
}

// TunRequest extracts the interface options requested by the first "tun"
// inbound of a JSON engine config. A config without one, or an opaque
// config, requests nothing.
func TunRequest(config string) (tun.Options, error) {
	if Opaque(config) {
		return tun.Options{}, nil
	}
	var doc struct {
		Inbounds []struct {
			Type string `json:"type"`
			tun.Settings
		} `json:"inbounds"`
	}
	if err := json.Unmarshal([]byte(config), &doc); err != nil {
		return tun.Options{}, fmt.Errorf("parse config: %w", err)
	}
	for _, ib := range doc.Inbounds {
		if ib.Type == "tun" {
			return ib.Settings.Options()
		}
	}
	return tun.Options{}, nil
}
