// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package time provides for custom types to translate time from JSON and other formats
// into time.Time objects.
package time

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unix provides a type that can marshal and unmarshal a string representation
// of the unix epoch into a time.Time object. The zero value is encoded as null.
type Unix struct {
	T time.Time
}

// MarshalJSON implements encoding/json.MarshalJSON().
func (u Unix) MarshalJSON() ([]byte, error) {
	if u.T.IsZero() {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%q", strconv.FormatInt(u.T.Unix(), 10))), nil
}

// UnmarshalJSON implements encoding/json.UnmarshalJSON().
func (u *Unix) UnmarshalJSON(b []byte) error {
	if isEmpty(b) {
		u.T = time.Time{}
		return nil
	}
	i, err := strconv.ParseInt(strings.Trim(string(b), `"`), 10, 64)
	if err != nil {
		return fmt.Errorf("unix time(%s) could not be converted from string to int: %w", string(b), err)
	}
	u.T = time.Unix(i, 0)
	return nil
}

// Seconds is a count of seconds that token endpoints send either as a JSON number or
// as a numeric string ("expires_in": "3599"). Valid reports whether the field was present.
type Seconds struct {
	D     time.Duration
	Valid bool
}

// MarshalJSON implements encoding/json.MarshalJSON().
func (s Seconds) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(int64(s.D/time.Second), 10)), nil
}

// UnmarshalJSON implements encoding/json.UnmarshalJSON().
func (s *Seconds) UnmarshalJSON(b []byte) error {
	if isEmpty(b) {
		*s = Seconds{}
		return nil
	}
	i, err := strconv.ParseInt(strings.Trim(string(b), `"`), 10, 64)
	if err != nil {
		return fmt.Errorf("duration(%s) could not be converted from string to int: %w", string(b), err)
	}
	*s = Seconds{D: time.Duration(i) * time.Second, Valid: true}
	return nil
}

// From returns now plus the duration, or now plus def when the field was absent.
func (s Seconds) From(now time.Time, def time.Duration) time.Time {
	if !s.Valid {
		return now.Add(def)
	}
	return now.Add(s.D)
}

func isEmpty(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`))
}
