package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/carebridge/carebridge-client/internal/cache"
)

// InvalidateTags returns a handler invalidating a fixed set of tags for every
// event on its topic.
func InvalidateTags(tags ...cache.Tag) Handler {
	return func(context.Context, Event) (Update, error) {
		return Update{Invalidate: tags}, nil
	}
}

// InvalidateFunc returns a handler invalidating the tags computed from each
// event.
func InvalidateFunc(fn func(ev Event) ([]cache.Tag, error)) Handler {
	return func(_ context.Context, ev Event) (Update, error) {
		tags, err := fn(ev)
		if err != nil {
			return Update{}, err
		}
		return Update{Invalidate: tags}, nil
	}
}

// InvalidateRecord returns a handler for events whose data names a record as
// {"id": ...}. It invalidates the record's item tag and the list tag of its
// type. An event without an id invalidates the list alone.
func InvalidateRecord(typ string) Handler {
	return InvalidateFunc(func(ev Event) ([]cache.Tag, error) {
		id, err := RecordID(ev)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return []cache.Tag{cache.ListTag(typ)}, nil
		}
		return []cache.Tag{cache.ItemTag(typ, id), cache.ListTag(typ)}, nil
	})
}

// RecordID extracts the "id" field of the event data. Numeric and string ids
// are both accepted; a missing id is returned as "".
func RecordID(ev Event) (string, error) {
	if len(ev.Data) == 0 {
		return "", nil
	}

	var body struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(ev.Data, &body); err != nil {
		return "", fmt.Errorf("event %s/%s: %w", ev.Topic, ev.Name, err)
	}
	if len(body.ID) == 0 || bytes.Equal(body.ID, []byte("null")) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(body.ID, &s); err == nil {
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(body.ID, &n); err != nil {
		return "", fmt.Errorf("event %s/%s: id must be a string or number", ev.Topic, ev.Name)
	}
	return n.String(), nil
}

// IncrementCounter returns a handler adding delta to a numeric field of the
// cached JSON object at sig, such as an unread count. A missing field counts
// from zero. The patch only applies to Fresh data; otherwise the entry is
// marked for refetch.
func IncrementCounter(sig cache.Signature, field string, delta int64) Handler {
	return func(context.Context, Event) (Update, error) {
		return Update{Patches: []Patch{{
			Signature: sig,
			Apply:     incrementField(field, delta),
		}}}, nil
	}
}

var errNotAnObject = errors.New("cached payload is not a JSON object")

func incrementField(field string, delta int64) cache.PatchFunc {
	return func(payload []byte) ([]byte, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
			return nil, errNotAnObject
		}

		var current int64
		if raw, ok := obj[field]; ok {
			n, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field %q is not an integer: %w", field, err)
			}
			current = n
		}

		obj[field] = json.RawMessage(strconv.FormatInt(current+delta, 10))

		return json.Marshal(obj)
	}
}
