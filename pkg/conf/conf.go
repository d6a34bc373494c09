/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package conf models the store configuration tree: a mapping of
// string keys to scalar values or nested sub-trees. Stores read their
// own keys and hand sub-trees to nested stores.
package conf

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type (
	// Config is one node of the store configuration tree. Values are
	// kept as strings and converted on access. Config is immutable
	// after the factory finishes building the store tree; stores read
	// it at runtime without locking.
	Config struct {
		values   map[string]string
		children map[string]*Config
	}
)

func New() *Config {
	return &Config{
		values:   make(map[string]string),
		children: make(map[string]*Config),
	}
}

// ParseYAML builds a config tree from yaml bytes. Scalars become
// string values; mappings become sub-trees.
func ParseYAML(data []byte) (*Config, error) {
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse store config")
	}
	return fromMap(raw)
}

func fromMap(raw map[string]interface{}) (*Config, error) {
	c := New()
	for key, value := range raw {
		switch v := value.(type) {
		case map[string]interface{}:
			child, err := fromMap(v)
			if err != nil {
				return nil, err
			}
			c.children[key] = child
		case map[interface{}]interface{}:
			converted := make(map[string]interface{}, len(v))
			for mk, mv := range v {
				converted[cast.ToString(mk)] = mv
			}
			child, err := fromMap(converted)
			if err != nil {
				return nil, err
			}
			c.children[key] = child
		case []interface{}:
			return nil, errors.Errorf("store config key %q: sequences are not supported", key)
		default:
			c.values[key] = cast.ToString(v)
		}
	}
	return c, nil
}

func (c *Config) Set(key, value string) *Config {
	c.values[key] = value
	return c
}

func (c *Config) SetChild(key string, child *Config) *Config {
	c.children[key] = child
	return c
}

func (c *Config) GetString(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *Config) GetStringOr(key, def string) string {
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

func (c *Config) GetInt(key string) (int64, bool) {
	v, ok := c.values[key]
	if !ok {
		return 0, false
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) GetIntOr(key string, def int64) int64 {
	if n, ok := c.GetInt(key); ok {
		return n
	}
	return def
}

func (c *Config) GetUnsigned(key string) (uint64, bool) {
	v, ok := c.values[key]
	if !ok {
		return 0, false
	}
	n, err := cast.ToUint64E(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) GetUnsignedOr(key string, def uint64) uint64 {
	if n, ok := c.GetUnsigned(key); ok {
		return n
	}
	return def
}

// GetBoolOr accepts yes/no besides the usual bool spellings.
func (c *Config) GetBoolOr(key string, def bool) bool {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "yes":
		return true
	case "no":
		return false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

func (c *Config) GetStore(key string) (*Config, bool) {
	child, ok := c.children[key]
	return child, ok
}

// ChildNames returns the sub-tree keys in lexical order, so that
// store0..storeN and bucket0..bucketN come out in a stable order.
func (c *Config) ChildNames() []string {
	names := make([]string, 0, len(c.children))
	for name := range c.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Copy deep-copies the tree. Bucket and category stores derive child
// configs from a template without mutating the original.
func (c *Config) Copy() *Config {
	cpy := New()
	for k, v := range c.values {
		cpy.values[k] = v
	}
	for k, child := range c.children {
		cpy.children[k] = child.Copy()
	}
	return cpy
}

// ParseRotatePeriod parses a fixed period in the Nw|Nd|Nh|Nm|Ns form.
// The named periods hourly, daily and never are rejected here.
func ParseRotatePeriod(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, errors.Errorf("invalid rotate period %q", s)
	}
	n, err := cast.ToInt64E(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid rotate period %q", s)
	}
	switch s[len(s)-1] {
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 's':
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid rotate period unit %q", s)
}
