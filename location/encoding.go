// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package location

import (
	"encoding/json"

	"github.com/grailbio/locus/errors"
)

// encodingVersion is the version of the wire encoding of locations.
const encodingVersion = 1

// envelope is the tagged wire representation of a Location. The
// Type field selects the variant; only the fields of that variant
// are set.
type envelope struct {
	Version int    `json:"v"`
	Type    string `json:"type"`
	Host    string `json:"host,omitempty"`
	Disk    string `json:"disk,omitempty"`
	Path    string `json:"path,omitempty"`
	ID      string `json:"id,omitempty"`
}

// Marshal encodes loc in its tagged JSON representation.
func Marshal(loc Location) ([]byte, error) {
	e := envelope{Version: encodingVersion}
	switch loc := loc.(type) {
	case Private:
		e.Type, e.Host, e.Path = PrivateKind.String(), loc.Host, loc.Path
	case Shared:
		e.Type, e.Disk, e.Path = SharedKind.String(), loc.Disk, loc.Path
	case Persistent:
		e.Type, e.ID = PersistentKind.String(), loc.ID
	case nil:
		return nil, errors.E("marshal", errors.Invalid, errors.New("nil location"))
	default:
		return nil, errors.E("marshal", errors.Invalid, errors.Errorf("invalid location type %T", loc))
	}
	return json.Marshal(e)
}

// Unmarshal decodes a location encoded by Marshal.
func Unmarshal(b []byte) (Location, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.E("unmarshal", errors.Invalid, err)
	}
	if e.Version != encodingVersion {
		return nil, errors.E("unmarshal", errors.NotSupported, errors.Errorf("location encoding version %d", e.Version))
	}
	switch e.Type {
	case PrivateKind.String():
		return Private{Host: e.Host, Path: e.Path}, nil
	case SharedKind.String():
		return Shared{Disk: e.Disk, Path: e.Path}, nil
	case PersistentKind.String():
		return Persistent{ID: e.ID}, nil
	default:
		return nil, errors.E("unmarshal", errors.Invalid, errors.Errorf("unknown location type %q", e.Type))
	}
}

// Set is a list of locations that marshals as a JSON array of
// tagged locations.
type Set []Location

// MarshalJSON implements json.Marshaler.
func (s Set) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, len(s))
	for i, loc := range s {
		b, err := Marshal(loc)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Set) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.E("unmarshal", errors.Invalid, err)
	}
	*s = make(Set, len(raw))
	for i := range raw {
		loc, err := Unmarshal(raw[i])
		if err != nil {
			return err
		}
		(*s)[i] = loc
	}
	return nil
}
