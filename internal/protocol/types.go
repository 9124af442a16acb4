package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"
)

// MaxShortStringLen is the longest string a shortstr field can carry
const MaxShortStringLen = 255

// Table represents an AMQP field table
type Table map[string]interface{}

// Decimal is the AMQP decimal-value field type ('D')
type Decimal struct {
	Scale uint8
	Value int32
}

// lengther is implemented by in-memory readers; used to reject
// length prefixes that point past the end of the payload.
type lengther interface {
	Len() int
}

func checkRemaining(r io.Reader, n uint32) error {
	if l, ok := r.(lengther); ok && uint64(n) > uint64(l.Len()) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// ReadShortString reads a short string (max 255 bytes)
func ReadShortString(r io.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

// WriteShortString writes a short string
func WriteShortString(w io.Writer, s string) error {
	if len(s) > MaxShortStringLen {
		return fmt.Errorf("short string too long: %d", len(s))
	}

	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}

	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a long string
func ReadLongString(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if err := checkRemaining(r, length); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteLongString writes a long string
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}

	_, err := w.Write(data)
	return err
}

// ReadTable reads an AMQP field table
func ReadTable(r io.Reader) (Table, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length == 0 {
		return Table{}, nil
	}
	if err := checkRemaining(r, length); err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	table := make(Table)
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		name, err := ReadShortString(buf)
		if err != nil {
			return nil, fmt.Errorf("table field name: %w", err)
		}

		value, err := readFieldValue(buf)
		if err != nil {
			return nil, fmt.Errorf("table field %q: %w", name, err)
		}

		table[name] = value
	}

	return table, nil
}

// WriteTable writes an AMQP field table. Keys are written in sorted
// order so the same table always produces the same bytes.
func WriteTable(w io.Writer, table Table) error {
	if len(table) == 0 {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}

	keys := make([]string, 0, len(table))
	for name := range table {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, name := range keys {
		if err := WriteShortString(&buf, name); err != nil {
			return err
		}

		if err := writeFieldValue(&buf, table[name]); err != nil {
			return fmt.Errorf("table field %q: %w", name, err)
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(buf.Len())); err != nil {
		return err
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// readFieldValue reads a field value based on its type indicator
func readFieldValue(r io.Reader) (interface{}, error) {
	var typeIndicator byte
	if err := binary.Read(r, binary.BigEndian, &typeIndicator); err != nil {
		return nil, err
	}

	switch typeIndicator {
	case 't':
		var b uint8
		err := binary.Read(r, binary.BigEndian, &b)
		return b != 0, err

	case 'b':
		var i int8
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'B':
		var i uint8
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 's':
		var i int16
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'u':
		var i uint16
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'I':
		var i int32
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'i':
		var i uint32
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'l':
		var i int64
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'f':
		var f float32
		err := binary.Read(r, binary.BigEndian, &f)
		return f, err

	case 'd':
		var f float64
		err := binary.Read(r, binary.BigEndian, &f)
		return f, err

	case 'D':
		var d Decimal
		if err := binary.Read(r, binary.BigEndian, &d.Scale); err != nil {
			return nil, err
		}
		err := binary.Read(r, binary.BigEndian, &d.Value)
		return d, err

	case 'S':
		return ReadLongString(r)

	case 'A':
		return readArray(r)

	case 'T':
		var timestamp int64
		if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
			return nil, err
		}
		return time.Unix(timestamp, 0), nil

	case 'F':
		return ReadTable(r)

	case 'V':
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown field type: %q", typeIndicator)
	}
}

func writeTagged(w io.Writer, tag byte, v interface{}) error {
	if err := binary.Write(w, binary.BigEndian, tag); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, v)
}

// writeFieldValue writes a field value with its type indicator
func writeFieldValue(w io.Writer, value interface{}) error {
	switch v := value.(type) {
	case bool:
		var b uint8
		if v {
			b = 1
		}
		return writeTagged(w, 't', b)
	case int8:
		return writeTagged(w, 'b', v)
	case uint8:
		return writeTagged(w, 'B', v)
	case int16:
		return writeTagged(w, 's', v)
	case uint16:
		return writeTagged(w, 'u', v)
	case int32:
		return writeTagged(w, 'I', v)
	case uint32:
		return writeTagged(w, 'i', v)
	case int64:
		return writeTagged(w, 'l', v)
	case int:
		return writeTagged(w, 'l', int64(v))
	case float32:
		return writeTagged(w, 'f', v)
	case float64:
		return writeTagged(w, 'd', v)
	case Decimal:
		if err := writeTagged(w, 'D', v.Scale); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v.Value)

	case string:
		if _, err := w.Write([]byte{'S'}); err != nil {
			return err
		}
		return WriteLongString(w, []byte(v))

	case []byte:
		if _, err := w.Write([]byte{'S'}); err != nil {
			return err
		}
		return WriteLongString(w, v)

	case time.Time:
		return writeTagged(w, 'T', v.Unix())

	case Table:
		if _, err := w.Write([]byte{'F'}); err != nil {
			return err
		}
		return WriteTable(w, v)

	case map[string]interface{}:
		if _, err := w.Write([]byte{'F'}); err != nil {
			return err
		}
		return WriteTable(w, Table(v))

	case []interface{}:
		if _, err := w.Write([]byte{'A'}); err != nil {
			return err
		}
		return writeArray(w, v)

	case nil:
		_, err := w.Write([]byte{'V'})
		return err

	default:
		return fmt.Errorf("unsupported field value type: %T", value)
	}
}

// readArray reads an array of field values
func readArray(r io.Reader) ([]interface{}, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length == 0 {
		return []interface{}{}, nil
	}
	if err := checkRemaining(r, length); err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	var values []interface{}
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}

	return values, nil
}

// writeArray writes an array of field values
func writeArray(w io.Writer, values []interface{}) error {
	var buf bytes.Buffer

	for _, value := range values {
		if err := writeFieldValue(&buf, value); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(buf.Len())); err != nil {
		return err
	}

	_, err := w.Write(buf.Bytes())
	return err
}
