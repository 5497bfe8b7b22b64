package session

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// RegisterType records the concrete type of an attribute value so it can be
// restored from a store. Builtin scalar and slice types need no registration.
func RegisterType(value any) {
	gob.Register(value)
}

// WriteData encodes session data as a binary record:
// a length-prefixed UTF-8 id, six int64 millisecond fields (created, accessed,
// lastAccessed, inactiveInterval, extraInactiveInterval, expiry), an int32
// attribute count and a gob stream of key/value pairs.
// NonPersistent attribute values are skipped.
func WriteData(w io.Writer, d *Data) error {
	snap := d.copyData(nil, true)

	if len(snap.id) > math.MaxUint16 {
		return errors.Join(ErrUnwritableData, fmt.Errorf("session id too long: %d bytes", len(snap.id)))
	}

	bw := bufio.NewWriter(w)
	fields := [6]int64{
		toMillis(snap.created),
		toMillis(snap.accessed),
		toMillis(snap.lastAccessed),
		snap.inactiveInterval.Milliseconds(),
		snap.extraInactiveInterval.Milliseconds(),
		toMillis(snap.expiry),
	}

	if err := binary.Write(bw, binary.BigEndian, uint16(len(snap.id))); err != nil {
		return errors.Join(ErrUnwritableData, err)
	}
	if _, err := bw.WriteString(snap.id); err != nil {
		return errors.Join(ErrUnwritableData, err)
	}
	if err := binary.Write(bw, binary.BigEndian, fields); err != nil {
		return errors.Join(ErrUnwritableData, err)
	}
	if err := binary.Write(bw, binary.BigEndian, int32(len(snap.attributes))); err != nil {
		return errors.Join(ErrUnwritableData, err)
	}

	enc := gob.NewEncoder(bw)
	for _, name := range snap.AttributeNames() {
		value := snap.attributes[name]
		if err := enc.Encode(name); err != nil {
			return errors.Join(ErrUnwritableData, fmt.Errorf("encoding attribute name %q: %w", name, err))
		}
		if err := enc.Encode(&value); err != nil {
			return errors.Join(ErrUnwritableData, fmt.Errorf("encoding attribute %q: %w", name, err))
		}
	}

	if err := bw.Flush(); err != nil {
		return errors.Join(ErrUnwritableData, err)
	}
	return nil
}

// ReadData decodes a record produced by WriteData.
// The returned data is clean and has never been saved.
func ReadData(r io.Reader) (*Data, error) {
	br := bufio.NewReader(r)

	var idLen uint16
	if err := binary.Read(br, binary.BigEndian, &idLen); err != nil {
		return nil, unreadable("reading id length", err)
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(br, id); err != nil {
		return nil, unreadable("reading id", err)
	}

	var fields [6]int64
	if err := binary.Read(br, binary.BigEndian, &fields); err != nil {
		return nil, unreadable("reading timestamps", err)
	}

	var count int32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return nil, unreadable("reading attribute count", err)
	}
	if count < 0 {
		return nil, unreadable("reading attribute count", fmt.Errorf("negative count %d", count))
	}

	attrs := make(map[string]any, count)
	dec := gob.NewDecoder(br)
	for i := int32(0); i < count; i++ {
		var name string
		if err := dec.Decode(&name); err != nil {
			return nil, unreadable("decoding attribute name", err)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, unreadable(fmt.Sprintf("decoding attribute %q", name), err)
		}
		attrs[name] = value
	}

	return RestoreData(
		string(id),
		fromMillis(fields[0]),
		fromMillis(fields[1]),
		fromMillis(fields[2]),
		time.Duration(fields[3])*time.Millisecond,
		time.Duration(fields[4])*time.Millisecond,
		fromMillis(fields[5]),
		attrs,
	), nil
}

// MarshalData encodes session data into a byte slice.
func MarshalData(d *Data) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteData(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalData decodes session data from a byte slice.
func UnmarshalData(b []byte) (*Data, error) {
	return ReadData(bytes.NewReader(b))
}

// ExpiryMillis returns the expiry as milliseconds since the epoch, 0 for immortal sessions.
func ExpiryMillis(d *Data) int64 {
	return toMillis(d.Expiry())
}

// FromMillis converts milliseconds since the epoch into a time, 0 being the zero time.
func FromMillis(ms int64) time.Time {
	return fromMillis(ms)
}

// RecordName returns the <expiryMs>_<id> name under which file and object
// backends keep a session, so expiry can be read without decoding the record.
func RecordName(id string, expiryMs int64) string {
	return strconv.FormatInt(expiryMs, 10) + "_" + id
}

// ParseRecordName splits a name produced by RecordName.
func ParseRecordName(name string) (id string, expiryMs int64, ok bool) {
	ms, id, found := strings.Cut(name, "_")
	if !found || id == "" {
		return "", 0, false
	}
	expiryMs, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || expiryMs < 0 {
		return "", 0, false
	}
	return id, expiryMs, true
}

func unreadable(op string, err error) error {
	return errors.Join(ErrUnreadableData, fmt.Errorf("%s: %w", op, err))
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
