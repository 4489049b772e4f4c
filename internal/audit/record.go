package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TimeFormat is the record timestamp layout: ISO-8601, UTC, always six
// fractional digits.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Reserved record keys. Caller fields with these names are dropped.
const (
	keyTimestamp = "timestamp"
	keyLevel     = "level"
	keyName      = "name"
	keyMessage   = "message"
	keyPrev      = "prev_signature"
	keySignature = "signature"
)

func isReserved(key string) bool {
	switch key {
	case keyTimestamp, keyLevel, keyName, keyMessage, keyPrev, keySignature:
		return true
	}
	return false
}

// Event is what a caller hands to the logger. It is not retained.
type Event struct {
	// Channel is the logger name. Free text; see Resolver for how it maps
	// onto a chain.
	Channel string
	Level   Level
	Message string
	// Fields is auxiliary context stored next to the record. It is NOT
	// covered by the signature.
	Fields map[string]any
	// Time defaults to the logger clock when zero.
	Time time.Time
}

// Record is one persisted, signed line of a sink.
type Record struct {
	Timestamp     string
	Level         string
	Name          string
	Message       string
	Fields        map[string]any
	PrevSignature string
	Signature     string
}

// MarshalJSON writes the keys in a fixed order: timestamp, level, name,
// caller fields sorted by key, message, prev_signature, signature.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	write := func(key string, val any) error {
		v, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	if err := write(keyTimestamp, r.Timestamp); err != nil {
		return nil, err
	}
	if err := write(keyLevel, r.Level); err != nil {
		return nil, err
	}
	if r.Name != "" {
		if err := write(keyName, r.Name); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		if !isReserved(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := write(k, r.Fields[k]); err != nil {
			return nil, err
		}
	}

	if err := write(keyMessage, r.Message); err != nil {
		return nil, err
	}
	if err := write(keyPrev, r.PrevSignature); err != nil {
		return nil, err
	}
	if err := write(keySignature, r.Signature); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts any JSON object that carries the chain keys.
// timestamp, level, prev_signature and signature are required strings;
// message defaults to "" when absent. Every other key lands in Fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("record is not a JSON object")
	}

	var out Record
	str := func(key string, dst *string, required bool) error {
		v, ok := raw[key]
		if !ok {
			if required {
				return fmt.Errorf("missing %q", key)
			}
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("%q is not a string", key)
		}
		return nil
	}
	if err := str(keyTimestamp, &out.Timestamp, true); err != nil {
		return err
	}
	if err := str(keyLevel, &out.Level, true); err != nil {
		return err
	}
	if err := str(keyPrev, &out.PrevSignature, true); err != nil {
		return err
	}
	if err := str(keySignature, &out.Signature, true); err != nil {
		return err
	}
	if err := str(keyMessage, &out.Message, false); err != nil {
		return err
	}
	if err := str(keyName, &out.Name, false); err != nil {
		return err
	}

	for k, v := range raw {
		if isReserved(k) {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		if out.Fields == nil {
			out.Fields = make(map[string]any)
		}
		out.Fields[k] = val
	}

	*r = out
	return nil
}

// ParseRecord decodes a single sink line.
func ParseRecord(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Time parses the record timestamp.
func (r Record) Time() (time.Time, error) {
	return time.Parse(TimeFormat, r.Timestamp)
}
