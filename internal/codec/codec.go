package codec

import "fmt"

// TypeID is the stable numeric tag every registered message or entry
// variant is framed with on the wire and on disk.
type TypeID uint8

// Message is implemented by every value the registry knows how to encode.
type Message interface {
	TypeID() TypeID
}

type decodeFunc func(*Reader) (Message, error)
type encodeFunc func(*Writer, Message)

type registration struct {
	name   string
	decode decodeFunc
	encode encodeFunc
}

var registry = make(map[TypeID]registration)

var errNotAnEntry = fmt.Errorf("codec: decoded message does not implement Entry")

// register binds a TypeID to its codec functions. Called from init() in
// entries.go and messages.go; a duplicate registration is a programming
// error and panics at startup. A type id with no registration is only
// detected when Encode or Decode meets it, and is returned as an error.
func register(id TypeID, name string, enc encodeFunc, dec decodeFunc) {
	if _, exists := registry[id]; exists {
		panic(fmt.Sprintf("codec: type id %d already registered (%s)", id, name))
	}
	registry[id] = registration{name: name, decode: dec, encode: enc}
}

// Encode frames a message as type-id byte + deterministic body.
func Encode(m Message) ([]byte, error) {
	reg, ok := registry[m.TypeID()]
	if !ok {
		return nil, fmt.Errorf("codec: no registration for type id %d", m.TypeID())
	}
	w := NewWriter()
	w.WriteUint8(uint8(m.TypeID()))
	reg.encode(w, m)
	return w.Bytes(), nil
}

// Decode reads back a type-id byte followed by the registered decoder.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("codec: empty buffer")
	}
	id := TypeID(b[0])
	reg, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("codec: no registration for type id %d", id)
	}
	r := NewReader(b[1:])
	m, err := reg.decode(r)
	if err != nil {
		return nil, fmt.Errorf("codec: decode %s: %w", reg.name, err)
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("codec: decode %s: %w", reg.name, err)
	}
	return m, nil
}

// NameOf returns the registered name for a type id, for logging.
func NameOf(id TypeID) string {
	if reg, ok := registry[id]; ok {
		return reg.name
	}
	return "unknown"
}
