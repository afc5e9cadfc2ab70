package remote

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Messages are hand-encoded protobuf. Unknown fields are skipped on decode.

type encoder struct {
	b []byte
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) repeatedString(num protowire.Number, values []string) {
	for _, v := range values {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, v)
	}
}

func (e *encoder) int64(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(v))
}

func (e *encoder) float32(num protowire.Number, v float32) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed32Type)
	e.b = protowire.AppendFixed32(e.b, math.Float32bits(v))
}

func (e *encoder) packedFloat32(num protowire.Number, values []float32) {
	if len(values) == 0 {
		return
	}
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, packed)
}

func (e *encoder) message(num protowire.Number, m []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, m)
}

type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

func (f field) str() string { return string(f.bytes) }

func (f field) int64() int64 { return int64(f.varint) }

func (f field) bool() bool { return protowire.DecodeBool(f.varint) }

func (f field) float32() float32 { return math.Float32frombits(f.fixed32) }

// floats accepts both packed and unpacked encodings.
func (f field) floats(dst []float32) ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return append(dst, f.float32()), nil
	}
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return dst, protowire.ParseError(n)
		}
		dst = append(dst, math.Float32frombits(v))
		b = b[n:]
	}
	return dst, nil
}

func readFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

// MarshalWire encodes the message.
func (m RepositoryInfo) MarshalWire() []byte {
	var e encoder
	e.string(1, m.Name)
	e.string(2, m.Owner)
	e.string(3, m.RelativeWorkspacePath)
	e.bool(4, m.IsLocal)
	e.int64(5, m.Seed)
	return e.b
}

// UnmarshalWire decodes the message.
func (m *RepositoryInfo) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Name = f.str()
		case 2:
			m.Owner = f.str()
		case 3:
			m.RelativeWorkspacePath = f.str()
		case 4:
			m.IsLocal = f.bool()
		case 5:
			m.Seed = f.int64()
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m HandshakeRequest) MarshalWire() []byte {
	var e encoder
	e.message(1, m.Repository.MarshalWire())
	e.string(2, m.RootHash)
	e.packedFloat32(3, m.Fingerprint)
	e.string(4, m.PathKeyHash)
	e.string(5, m.FingerprintKind)
	return e.b
}

// UnmarshalWire decodes the message.
func (m *HandshakeRequest) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			err = m.Repository.UnmarshalWire(f.bytes)
		case 2:
			m.RootHash = f.str()
		case 3:
			m.Fingerprint, err = f.floats(m.Fingerprint)
		case 4:
			m.PathKeyHash = f.str()
		case 5:
			m.FingerprintKind = f.str()
		}
		return err
	})
}

// MarshalWire encodes the message.
func (m HandshakeResponse) MarshalWire() []byte {
	var e encoder
	e.string(1, m.CodebaseID)
	e.string(2, m.Status)
	return e.b
}

// UnmarshalWire decodes the message.
func (m *HandshakeResponse) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.CodebaseID = f.str()
		case 2:
			m.Status = f.str()
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m ReconcileRequest) MarshalWire() []byte {
	var e encoder
	e.string(1, m.CodebaseID)
	e.int64(2, m.Seed)
	e.string(3, m.EncodedPath)
	e.string(4, m.Hash)
	return e.b
}

// UnmarshalWire decodes the message.
func (m *ReconcileRequest) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.CodebaseID = f.str()
		case 2:
			m.Seed = f.int64()
		case 3:
			m.EncodedPath = f.str()
		case 4:
			m.Hash = f.str()
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m NodeHash) MarshalWire() []byte {
	var e encoder
	e.string(1, m.EncodedPath)
	e.string(2, m.Hash)
	return e.b
}

// UnmarshalWire decodes the message.
func (m *NodeHash) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.EncodedPath = f.str()
		case 2:
			m.Hash = f.str()
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m ReconcileResponse) MarshalWire() []byte {
	var e encoder
	e.bool(1, m.Match)
	for _, child := range m.Children {
		e.message(2, child.MarshalWire())
	}
	return e.b
}

// UnmarshalWire decodes the message.
func (m *ReconcileResponse) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Match = f.bool()
		case 2:
			var child NodeHash
			if err := child.UnmarshalWire(f.bytes); err != nil {
				return err
			}
			m.Children = append(m.Children, child)
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m UploadRequest) MarshalWire() []byte {
	var e encoder
	e.string(1, m.CodebaseID)
	e.int64(2, m.Seed)
	e.string(3, m.EncodedPath)
	e.bytes(4, m.Content)
	e.string(5, m.ContentHash)
	e.repeatedString(6, m.AncestorSpline)
	e.int64(7, int64(m.UpdateType))
	return e.b
}

// UnmarshalWire decodes the message.
func (m *UploadRequest) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.CodebaseID = f.str()
		case 2:
			m.Seed = f.int64()
		case 3:
			m.EncodedPath = f.str()
		case 4:
			m.Content = append([]byte(nil), f.bytes...)
		case 5:
			m.ContentHash = f.str()
		case 6:
			m.AncestorSpline = append(m.AncestorSpline, f.str())
		case 7:
			m.UpdateType = UpdateType(f.varint)
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m EnsureIndexRequest) MarshalWire() []byte {
	var e encoder
	e.string(1, m.CodebaseID)
	return e.b
}

// UnmarshalWire decodes the message.
func (m *EnsureIndexRequest) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		if f.num == 1 {
			m.CodebaseID = f.str()
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m ConfirmRequest) MarshalWire() []byte {
	var e encoder
	e.string(1, m.CodebaseID)
	e.int64(2, int64(m.Status))
	e.packedFloat32(3, m.Fingerprint)
	e.string(4, m.PathKeyHash)
	return e.b
}

// UnmarshalWire decodes the message.
func (m *ConfirmRequest) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.CodebaseID = f.str()
		case 2:
			m.Status = SyncStatus(f.varint)
		case 3:
			m.Fingerprint, err = f.floats(m.Fingerprint)
		case 4:
			m.PathKeyHash = f.str()
		}
		return err
	})
}

// MarshalWire encodes the message.
func (m SearchRequest) MarshalWire() []byte {
	var e encoder
	e.string(1, m.CodebaseID)
	e.string(2, m.Query)
	e.int64(3, int64(m.TopK))
	e.message(4, m.Repository.MarshalWire())
	return e.b
}

// UnmarshalWire decodes the message.
func (m *SearchRequest) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.CodebaseID = f.str()
		case 2:
			m.Query = f.str()
		case 3:
			m.TopK = int(f.int64())
		case 4:
			return m.Repository.UnmarshalWire(f.bytes)
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m SearchResult) MarshalWire() []byte {
	var e encoder
	e.string(1, m.EncodedPath)
	e.float32(2, m.Score)
	e.int64(3, int64(m.StartLine))
	e.int64(4, int64(m.EndLine))
	return e.b
}

// UnmarshalWire decodes the message.
func (m *SearchResult) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.EncodedPath = f.str()
		case 2:
			m.Score = f.float32()
		case 3:
			m.StartLine = int(f.int64())
		case 4:
			m.EndLine = int(f.int64())
		}
		return nil
	})
}

// MarshalWire encodes the message.
func (m SearchResponse) MarshalWire() []byte {
	var e encoder
	for _, r := range m.Results {
		e.message(1, r.MarshalWire())
	}
	return e.b
}

// UnmarshalWire decodes the message.
func (m *SearchResponse) UnmarshalWire(b []byte) error {
	return readFields(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var r SearchResult
		if err := r.UnmarshalWire(f.bytes); err != nil {
			return err
		}
		m.Results = append(m.Results, r)
		return nil
	})
}
