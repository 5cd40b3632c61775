package cdc

import (
	"encoding/binary"
	"fmt"
)

// relation describes one pgoutput Relation message: the column layout
// the listener needs to interpret subsequent Insert/Update messages for
// that table, per the pgoutput logical-decoding wire format.
type relation struct {
	namespace string
	name      string
	columns   []string
}

// tuple is one decoded row, column name to textual value (nil for SQL
// NULL). pgoutput sends column values in text format by default.
type tuple map[string]*string

// changeKind mirrors pgoutput's row-event discriminator.
type changeKind string

const (
	changeInsert changeKind = "insert"
	changeUpdate changeKind = "update"
	changeDelete changeKind = "delete"
)

// decodedChange is one row-level change plus the relation it targets.
type decodedChange struct {
	Kind     changeKind
	Relation relation
	New      tuple
	Old      tuple // present for update (if REPLICA IDENTITY FULL) and delete
	LSN      uint64
}

// pgoutputDecoder tracks the Relation messages seen so far, keyed by the
// relation OID pgoutput assigns within this replication session.
type pgoutputDecoder struct {
	relations map[uint32]relation
}

func newPgoutputDecoder() *pgoutputDecoder {
	return &pgoutputDecoder{relations: map[uint32]relation{}}
}

// Decode parses one WAL record's logical-decoding payload (the bytes
// that followed the XLogData 'w' message header) and returns any
// row-level change it carries. Begin/Commit/Origin/Type messages are
// consumed for relation bookkeeping but yield no decodedChange.
func (d *pgoutputDecoder) Decode(lsn uint64, data []byte) (*decodedChange, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pgoutput: empty message")
	}
	switch data[0] {
	case 'B', 'C', 'O', 'Y', 'T':
		return nil, nil
	case 'R':
		rel, oid, err := decodeRelation(data[1:])
		if err != nil {
			return nil, err
		}
		d.relations[oid] = rel
		return nil, nil
	case 'I':
		return d.decodeInsert(lsn, data[1:])
	case 'U':
		return d.decodeUpdate(lsn, data[1:])
	case 'D':
		return d.decodeDelete(lsn, data[1:])
	default:
		return nil, nil
	}
}

func decodeRelation(b []byte) (relation, uint32, error) {
	if len(b) < 4 {
		return relation{}, 0, fmt.Errorf("pgoutput: short relation message")
	}
	oid := binary.BigEndian.Uint32(b)
	b = b[4:]

	namespace, b, err := readCString(b)
	if err != nil {
		return relation{}, 0, err
	}
	name, b, err := readCString(b)
	if err != nil {
		return relation{}, 0, err
	}
	if len(b) < 1 {
		return relation{}, 0, fmt.Errorf("pgoutput: missing replica identity byte")
	}
	b = b[1:] // replica identity setting, not needed for field extraction

	if len(b) < 2 {
		return relation{}, 0, fmt.Errorf("pgoutput: missing column count")
	}
	numCols := binary.BigEndian.Uint16(b)
	b = b[2:]

	cols := make([]string, 0, numCols)
	for i := uint16(0); i < numCols; i++ {
		if len(b) < 1 {
			return relation{}, 0, fmt.Errorf("pgoutput: truncated column list")
		}
		b = b[1:] // flags (is-key-column bit)
		colName, rest, err := readCString(b)
		if err != nil {
			return relation{}, 0, err
		}
		b = rest
		if len(b) < 8 {
			return relation{}, 0, fmt.Errorf("pgoutput: truncated column type/modifier")
		}
		b = b[8:] // type OID (4 bytes) + type modifier (4 bytes)
		cols = append(cols, colName)
	}

	return relation{namespace: namespace, name: name, columns: cols}, oid, nil
}

func (d *pgoutputDecoder) decodeInsert(lsn uint64, b []byte) (*decodedChange, error) {
	oid, b, err := readOID(b)
	if err != nil {
		return nil, err
	}
	rel, ok := d.relations[oid]
	if !ok {
		return nil, fmt.Errorf("pgoutput: insert for unknown relation %d", oid)
	}
	if len(b) < 1 || b[0] != 'N' {
		return nil, fmt.Errorf("pgoutput: expected 'N' tuple marker in insert")
	}
	t, _, err := decodeTuple(b[1:], rel.columns)
	if err != nil {
		return nil, err
	}
	return &decodedChange{Kind: changeInsert, Relation: rel, New: t, LSN: lsn}, nil
}

func (d *pgoutputDecoder) decodeUpdate(lsn uint64, b []byte) (*decodedChange, error) {
	oid, b, err := readOID(b)
	if err != nil {
		return nil, err
	}
	rel, ok := d.relations[oid]
	if !ok {
		return nil, fmt.Errorf("pgoutput: update for unknown relation %d", oid)
	}
	if len(b) < 1 {
		return nil, fmt.Errorf("pgoutput: truncated update message")
	}
	var old tuple
	switch b[0] {
	case 'K', 'O':
		old, b, err = decodeTuple(b[1:], rel.columns)
		if err != nil {
			return nil, err
		}
		if len(b) < 1 || b[0] != 'N' {
			return nil, fmt.Errorf("pgoutput: expected 'N' tuple marker after key/old image")
		}
		b = b[1:]
	case 'N':
		b = b[1:]
	default:
		return nil, fmt.Errorf("pgoutput: unexpected update tuple marker %q", b[0])
	}
	t, _, err := decodeTuple(b, rel.columns)
	if err != nil {
		return nil, err
	}
	return &decodedChange{Kind: changeUpdate, Relation: rel, New: t, Old: old, LSN: lsn}, nil
}

func (d *pgoutputDecoder) decodeDelete(lsn uint64, b []byte) (*decodedChange, error) {
	oid, b, err := readOID(b)
	if err != nil {
		return nil, err
	}
	rel, ok := d.relations[oid]
	if !ok {
		return nil, fmt.Errorf("pgoutput: delete for unknown relation %d", oid)
	}
	if len(b) < 1 {
		return nil, fmt.Errorf("pgoutput: truncated delete message")
	}
	old, _, err := decodeTuple(b[1:], rel.columns)
	if err != nil {
		return nil, err
	}
	return &decodedChange{Kind: changeDelete, Relation: rel, Old: old, LSN: lsn}, nil
}

func decodeTuple(b []byte, columns []string) (tuple, []byte, error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("pgoutput: truncated tuple column count")
	}
	numCols := binary.BigEndian.Uint16(b)
	b = b[2:]

	t := make(tuple, numCols)
	for i := uint16(0); i < numCols; i++ {
		if len(b) < 1 {
			return nil, nil, fmt.Errorf("pgoutput: truncated tuple value kind")
		}
		kind := b[0]
		b = b[1:]
		name := ""
		if int(i) < len(columns) {
			name = columns[i]
		}
		switch kind {
		case 'n':
			t[name] = nil
		case 'u':
			t[name] = nil // unchanged TOAST value, not needed for our columns
		case 't':
			if len(b) < 4 {
				return nil, nil, fmt.Errorf("pgoutput: truncated tuple value length")
			}
			length := binary.BigEndian.Uint32(b)
			b = b[4:]
			if uint32(len(b)) < length {
				return nil, nil, fmt.Errorf("pgoutput: truncated tuple value")
			}
			s := string(b[:length])
			t[name] = &s
			b = b[length:]
		default:
			return nil, nil, fmt.Errorf("pgoutput: unknown tuple value kind %q", kind)
		}
	}
	return t, b, nil
}

func readOID(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("pgoutput: truncated relation oid")
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("pgoutput: unterminated string")
}
