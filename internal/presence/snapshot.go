// Package presence turns realtime presence state into the list of identities
// currently online in a room.
//
// A snapshot maps each identity to the presence records of every connection
// that identity holds open. The wire form is a JSON object whose key order is
// significant, so snapshots are kept as ordered slices rather than Go maps.
package presence

import (
	"fmt"
	"time"

	"github.com/valyala/fastjson"
)

// Record is one connection's presence registration.
type Record struct {
	Ref      string    `json:"presence_ref"`
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Entry holds every record registered under one identity, in connection order.
type Entry struct {
	Key     string
	Records []Record
}

// Snapshot is the full presence state of a room in identity iteration order.
type Snapshot []Entry

var parserPool fastjson.ParserPool

// ParseSnapshot decodes the wire form of a snapshot. The payload must be a
// JSON object; identities whose value is not an array are kept with no
// records. Record fields of the wrong type are left empty so the decoder can
// discard the record. A repeated identity keeps the position of its first
// occurrence and the value of its last, as JSON object decoding does.
func ParseSnapshot(data []byte) (Snapshot, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("presence: parse snapshot: %w", err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("presence: snapshot is not an object: %w", err)
	}

	snap := make(Snapshot, 0, obj.Len())
	index := make(map[string]int, obj.Len())
	obj.Visit(func(key []byte, val *fastjson.Value) {
		entry := Entry{Key: string(key)}
		if items, err := val.Array(); err == nil {
			entry.Records = make([]Record, 0, len(items))
			for _, item := range items {
				entry.Records = append(entry.Records, parseRecord(item))
			}
		}
		if i, dup := index[entry.Key]; dup {
			snap[i] = entry
			return
		}
		index[entry.Key] = len(snap)
		snap = append(snap, entry)
	})
	return snap, nil
}

func parseRecord(v *fastjson.Value) Record {
	if v.Type() != fastjson.TypeObject {
		return Record{}
	}
	rec := Record{
		Ref:      string(v.GetStringBytes("presence_ref")),
		UserID:   string(v.GetStringBytes("user_id")),
		UserName: string(v.GetStringBytes("user_name")),
	}
	if ts := v.GetStringBytes("joined_at"); len(ts) > 0 {
		if t, err := time.Parse(time.RFC3339Nano, string(ts)); err == nil {
			rec.JoinedAt = t
		}
	}
	return rec
}

// EncodeSnapshot renders snap in its wire form, preserving identity order.
func EncodeSnapshot(snap Snapshot) []byte {
	var a fastjson.Arena
	root := a.NewObject()
	for _, entry := range snap {
		arr := a.NewArray()
		for i, rec := range entry.Records {
			arr.SetArrayItem(i, encodeRecord(&a, rec))
		}
		root.Set(entry.Key, arr)
	}
	return root.MarshalTo(nil)
}

func encodeRecord(a *fastjson.Arena, rec Record) *fastjson.Value {
	o := a.NewObject()
	o.Set("presence_ref", a.NewString(rec.Ref))
	o.Set("user_id", a.NewString(rec.UserID))
	o.Set("user_name", a.NewString(rec.UserName))
	if !rec.JoinedAt.IsZero() {
		o.Set("joined_at", a.NewString(rec.JoinedAt.UTC().Format(time.RFC3339Nano)))
	}
	return o
}
