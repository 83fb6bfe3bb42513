package record

import (
	"crypto/sha256"
	"fmt"
	"reflect"
	"sort"
)

// DirectionMask is the high bit of a type id; set for server-to-client records.
const DirectionMask uint16 = 0x8000

// Family is one direction's tree of record variants. Concrete records may be
// added at any node; Sub creates a nested variant group.
type Family struct {
	name    string
	records []Record
	subs    []*Family
}

// NewFamily creates an empty record family.
func NewFamily(name string) *Family {
	return &Family{name: name}
}

// Add registers a concrete record prototype. The prototype must be a pointer
// to a struct; it is never mutated, only used as a template for decoding.
func (f *Family) Add(rec Record) *Family {
	f.records = append(f.records, rec)
	return f
}

// Sub creates a nested variant group and returns it for chaining.
func (f *Family) Sub(name string) *Family {
	child := NewFamily(f.name + "." + name)
	f.subs = append(f.subs, child)
	return child
}

// collect gathers concrete records by depth-first traversal.
func (f *Family) collect(out []Record) []Record {
	out = append(out, f.records...)
	for _, sub := range f.subs {
		out = sub.collect(out)
	}
	return out
}

type protoEntry struct {
	name   string
	fields []Field
	typ    reflect.Type // struct type behind the prototype pointer
}

// Protocol maps both directions' record types to stable 16-bit ids and
// carries the protocol hash clients and servers compare during handshake.
type Protocol struct {
	byID     map[uint16]protoEntry
	idByName map[string]uint16
	hash     [32]byte
}

// BuildProtocol assigns type ids to the two families and computes the
// protocol hash. Client records get ids 0x0000..0x7FFF in sorted-name order;
// server records get 0x8000..0xFFFF. Any structural change to either family
// changes the hash.
func BuildProtocol(client, server *Family) (*Protocol, error) {
	clientRecs, err := sortedRecords(client)
	if err != nil {
		return nil, err
	}
	serverRecs, err := sortedRecords(server)
	if err != nil {
		return nil, err
	}
	if len(clientRecs) > int(DirectionMask) || len(serverRecs) > int(DirectionMask) {
		return nil, fmt.Errorf("record: too many record types in one direction")
	}

	p := &Protocol{
		byID:     make(map[uint16]protoEntry),
		idByName: make(map[string]uint16),
	}

	h := sha256.New()
	register := func(recs []Record, base uint16) error {
		for i, rec := range recs {
			entry, err := newEntry(rec)
			if err != nil {
				return err
			}
			if _, dup := p.idByName[entry.name]; dup {
				return fmt.Errorf("record: duplicate record name %q", entry.name)
			}
			id := base | uint16(i)
			p.byID[id] = entry
			p.idByName[entry.name] = id

			h.Write([]byte(entry.name))
			for _, field := range entry.fields {
				h.Write([]byte(field.Name))
				h.Write([]byte(field.Type))
			}
		}
		return nil
	}
	if err := register(clientRecs, 0); err != nil {
		return nil, err
	}
	if err := register(serverRecs, DirectionMask); err != nil {
		return nil, err
	}

	copy(p.hash[:], h.Sum(nil))
	return p, nil
}

func sortedRecords(f *Family) ([]Record, error) {
	if f == nil {
		return nil, fmt.Errorf("record: nil family")
	}
	recs := f.collect(nil)
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].RecordName() < recs[j].RecordName()
	})
	return recs, nil
}

func newEntry(rec Record) (protoEntry, error) {
	t := reflect.TypeOf(rec)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return protoEntry{}, fmt.Errorf("record: prototype %q must be a pointer to struct", rec.RecordName())
	}
	return protoEntry{
		name:   rec.RecordName(),
		fields: rec.RecordFields(),
		typ:    t.Elem(),
	}, nil
}

// Hash returns the 32-byte SHA-256 protocol hash.
func (p *Protocol) Hash() [32]byte {
	return p.hash
}

// IDOf returns the type id assigned to a record name.
func (p *Protocol) IDOf(name string) (uint16, bool) {
	id, ok := p.idByName[name]
	return id, ok
}

// IsServerRecord reports whether id belongs to the server-to-client family.
func IsServerRecord(id uint16) bool {
	return id&DirectionMask != 0
}

// Encode serializes rec and returns its type id alongside the payload.
func (p *Protocol) Encode(rec Record) (uint16, []byte, error) {
	id, ok := p.idByName[rec.RecordName()]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %q", ErrUnknownRecord, rec.RecordName())
	}
	w := NewWriter()
	if err := rec.MarshalRecord(w); err != nil {
		return 0, nil, fmt.Errorf("record: encode %q: %w", rec.RecordName(), err)
	}
	return id, w.Bytes(), nil
}

// Decode instantiates the record type registered under id and deserializes
// payload into it.
func (p *Protocol) Decode(id uint16, payload []byte) (Record, error) {
	entry, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id 0x%04x", ErrUnknownRecord, id)
	}
	rec := reflect.New(entry.typ).Interface().(Record)
	if err := rec.UnmarshalRecord(NewReader(payload)); err != nil {
		return nil, fmt.Errorf("record: decode %q: %w", entry.name, err)
	}
	return rec, nil
}
