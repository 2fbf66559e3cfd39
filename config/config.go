// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package config parses daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type PrintMode int

const (
	PrintSecret PrintMode = iota
	PrintAll
	PrintNothing
)

var Align = 0 // Cleartext alignment, if not set it is autodetected

type Config struct {
	Value        any       // Value
	DefaultValue any       // Default value if Value is not set
	Help         string    // One line help
	Print        PrintMode // Print mode
	Required     bool      // If true, error out with error
	Parse        func(envValue string) (any, error)
}

type CfgMap map[string]Config

// ParseBytes parses a human readable size such as "256MiB" or "1gb" into
// an int. It is meant to be used as a Config.Parse callback.
func ParseBytes(envValue string) (any, error) {
	size, err := humanize.ParseBytes(envValue)
	if err != nil {
		return nil, err
	}
	if size > math.MaxInt64 {
		return nil, fmt.Errorf("size too large: %v", envValue)
	}
	return int(size), nil
}

// ParseDuration parses a duration such as "30s". It is meant to be used as
// a Config.Parse callback.
func ParseDuration(envValue string) (any, error) {
	return time.ParseDuration(envValue)
}

func parseKind(k string, v Config, envValue string) error {
	value := reflect.ValueOf(v.Value).Elem()
	switch value.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16,
		reflect.Int32, reflect.Int64:

		evTyped, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer for %v: %w", k, err)
		}
		value.SetInt(evTyped)

	case reflect.Uint, reflect.Uint8, reflect.Uint16,
		reflect.Uint32, reflect.Uint64:

		evTyped, err := strconv.ParseUint(envValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned for %v: %w", k, err)
		}
		value.SetUint(evTyped)

	case reflect.String:
		value.SetString(envValue)

	case reflect.Bool:
		val, err := strconv.ParseBool(envValue)
		if err != nil {
			return fmt.Errorf("invalid bool for %v: %w", k, err)
		}
		value.SetBool(val)

	case reflect.Slice:
		value.Set(reflect.AppendSlice(value,
			reflect.ValueOf(strings.Split(envValue, ","))))

	default:
		return fmt.Errorf("unsuported type for %v: %v", k, value.Kind())
	}
	return nil
}

func Parse(c CfgMap) error {
	for k, v := range c {
		// Make sure v.Value is a pointer
		if reflect.TypeOf(v.Value).Kind() != reflect.Pointer {
			return errors.New("value must be a pointer")
		}
		// Make sure we are pointing to the same type
		if reflect.TypeOf(v.Value).Elem() != reflect.TypeOf(v.DefaultValue) {
			return fmt.Errorf("value not the same type as DefaultValue, "+
				"wanted %v got %v", reflect.TypeOf(v.Value).Elem(),
				reflect.TypeOf(v.DefaultValue))
		}

		envValue := os.Getenv(k)
		if envValue == "" {
			// Error out if this is not provided
			if v.Required {
				return fmt.Errorf("%v: must be set", k)
			}

			// Set v.Value to v.DefaultValue
			reflect.ValueOf(v.Value).Elem().Set(reflect.ValueOf(v.DefaultValue))
			continue
		}

		if v.Parse == nil {
			if err := parseKind(k, v, envValue); err != nil {
				return err
			}
			continue
		}

		val, err := v.Parse(envValue)
		if err != nil {
			return fmt.Errorf("invalid value for %v: %w", k, err)
		}
		rv := reflect.ValueOf(val)
		if rv.Type() != reflect.TypeOf(v.Value).Elem() {
			return fmt.Errorf("parse %v returned %v, wanted %v",
				k, rv.Type(), reflect.TypeOf(v.Value).Elem())
		}
		reflect.ValueOf(v.Value).Elem().Set(rv)
	}

	return nil
}

func sortedKeys(c CfgMap) []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
		if Align < len(k) {
			Align = len(k)
		}
	}
	sort.Strings(keys)
	return keys
}

func PrintableConfig(c CfgMap) []string {
	keys := sortedKeys(c)
	p := make([]string, 0, len(c))
	for _, key := range keys {
		switch c[key].Print {
		case PrintAll:
			val := reflect.ValueOf(c[key].Value).Elem()
			p = append(p, fmt.Sprintf("%-*s: %v", Align, key, val))
		case PrintSecret:
			p = append(p, fmt.Sprintf("%-*s: %v", Align, key, "********"))
		}
	}
	return p
}

func Help(w io.Writer, c CfgMap) {
	keys := sortedKeys(c)
	for _, key := range keys {
		required := ""
		if c[key].Required {
			required = "(required) "
		}
		def := ""
		if c[key].DefaultValue != "" {
			def = fmt.Sprintf("(default: %v)", c[key].DefaultValue)
		}
		fmt.Fprintf(w, "\t%-*s: %v %v%v\n",
			Align, key, c[key].Help, required, def)
	}
}
