// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package address aggregates publisher advertisements into a table of
// live endpoints, evicting entries that stop refreshing.
package address

import (
	"time"
)

// Advertisement is one publisher's registration: its endpoint URI, the
// service labels it answers to, and when it was last heard from.
type Advertisement struct {
	URI         string
	Name        string
	Service     []string
	Status      bool
	ReceiveTime time.Time
}

// ToData renders the advertisement as the generic mapping carried in
// nameserver replies.
func (a Advertisement) ToData() map[string]interface{} {
	service := make([]interface{}, len(a.Service))
	for i, s := range a.Service {
		service[i] = s
	}
	return map[string]interface{}{
		"URI":          a.URI,
		"name":         a.Name,
		"service":      service,
		"status":       a.Status,
		"receive_time": a.ReceiveTime.UTC().Format("2006-01-02T15:04:05.000000"),
	}
}

// FromData rebuilds an advertisement from the mapping form. It accepts
// the shapes produced by ToData and by raw advertisement payloads.
func FromData(v interface{}) (Advertisement, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Advertisement{}, false
	}
	uri, ok := m["URI"].(string)
	if !ok || uri == "" {
		return Advertisement{}, false
	}
	adv := Advertisement{URI: uri, Status: true}
	if name, ok := m["name"].(string); ok {
		adv.Name = name
	}
	if status, ok := m["status"].(bool); ok {
		adv.Status = status
	}
	switch service := m["service"].(type) {
	case string:
		adv.Service = []string{service}
	case []interface{}:
		for _, item := range service {
			if s, ok := item.(string); ok {
				adv.Service = append(adv.Service, s)
			}
		}
	case []string:
		adv.Service = append(adv.Service, service...)
	}
	if when, ok := m["receive_time"].(time.Time); ok {
		adv.ReceiveTime = when
	}
	return adv, true
}

// HasService reports whether the advertisement answers to name. The
// empty name matches everything.
func (a Advertisement) HasService(name string) bool {
	if name == "" {
		return true
	}
	for _, s := range a.Service {
		if s == name {
			return true
		}
	}
	return false
}
