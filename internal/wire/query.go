package wire

// Query is a single question-section entry: the name/type/class being
// asked about, plus the QU bit (RFC 6762 §5.4) requesting a unicast
// reply instead of the default multicast one.
type Query struct {
	Name  string
	Type  RRType
	Class RRClass
	QU    bool
}

func (q *Query) classWithFlag() uint16 {
	v := uint16(q.Class) &^ classFlagMask
	if q.QU {
		v |= classFlagMask
	}
	return v
}

func encodeQuery(b *Buffer, q *Query) error {
	if err := b.WriteName(q.Name); err != nil {
		return err
	}
	b.WriteUint16(uint16(q.Type))
	b.WriteUint16(q.classWithFlag())
	return nil
}

func decodeQuery(b *Buffer) (*Query, error) {
	name, err := b.ReadName()
	if err != nil {
		return nil, err
	}
	typ, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	class, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	return &Query{
		Name:  name,
		Type:  RRType(typ),
		Class: RRClass(class) &^ RRClass(classFlagMask),
		QU:    class&classFlagMask != 0,
	}, nil
}

// Matches reports whether record would be a valid answer to this
// question: same name (case-insensitively), and qtype is ANY or equal
// to the record's type.
func (q *Query) Matches(r *Record) bool {
	if lowerName(q.Name) != lowerName(r.Name) {
		return false
	}
	return q.Type == TypeANY || q.Type == r.Data.Type()
}

// NewQuery builds a Query for name/qtype in the IN class.
func NewQuery(name string, qtype RRType) *Query {
	return &Query{Name: name, Type: qtype, Class: ClassIN}
}
