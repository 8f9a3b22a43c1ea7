// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/grailbio/base/data"
	"github.com/grailbio/locus/errors"
)

// Size is a data size in YAML. Sizes are written as a number
// followed by an optional binary unit, e.g., "16GiB", "512M" or
// "1024". Units are case-insensitive and always binary; bare numbers
// are bytes.
type Size data.Size

// Bytes returns the size as a data.Size.
func (s Size) Bytes() data.Size {
	return data.Size(s)
}

// ParseSize parses a size string.
func ParseSize(str string) (Size, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(str))
	if err != nil {
		return 0, errors.E("parsesize", str, errors.Invalid, err)
	}
	return Size(n), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return strconv.FormatInt(int64(s), 10), nil
}
