package encoding

// Marshaler is a value that writes its wire form into a Writer.
type Marshaler interface {
	Marshal(w *Writer)
}

// Unmarshaler is a value that reads its wire form out of a Reader.
type Unmarshaler interface {
	Unmarshal(r *Reader) error
}

// Serializable covers both directions of a wire type.
type Serializable interface {
	Marshaler
	Unmarshaler
}

// Marshal encodes v into a fresh buffer.
func Marshal(v Marshaler) []byte {
	w := NewWriter(64)
	v.Marshal(w)
	return w.Bytes()
}

// Unmarshal decodes one value out of b.
func Unmarshal(b []byte, v Unmarshaler) error {
	return v.Unmarshal(NewReader(b))
}
