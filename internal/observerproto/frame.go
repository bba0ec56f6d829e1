package observerproto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/terrain/chunk"
)

// MeshEncoding means: zstd over little-endian float32 vertex xyz triples
// followed by the matching normal triples.
const MeshEncoding = "F32LE_ZSTD"

// maxMeshBytes bounds a decoded body; a 32-edge chunk at full triangle
// capacity needs 32³·5·3·2·3·4 bytes.
const maxMeshBytes = 64 << 20

var ErrBadFrame = errors.New("observerproto: bad mesh frame")

// MeshHeader is the first line of a binary mesh frame. A zero VertexCount
// has no body and tells the client to drop the chunk's geometry.
type MeshHeader struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Coord           [3]int32 `json:"coord"`
	VertexCount     int      `json:"vertex_count"`
	Encoding        string   `json:"encoding,omitempty"`
	RawLen          int      `json:"raw_len,omitempty"`
}

// MeshCodec turns payloads into binary frames and back. EncodeAll and
// DecodeAll on the shared zstd state are safe for concurrent use.
type MeshCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewMeshCodec() (*MeshCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxMeshBytes))
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &MeshCodec{enc: enc, dec: dec}, nil
}

func (c *MeshCodec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}

func (c *MeshCodec) Encode(p chunk.MeshPayload) ([]byte, error) {
	h := MeshHeader{
		Type:            TypeMesh,
		ProtocolVersion: Version,
		Coord:           [3]int32{p.Coord.X, p.Coord.Y, p.Coord.Z},
		VertexCount:     p.VertexCount,
	}
	n := p.VertexCount * 3
	if len(p.Vertices) < n || len(p.Normals) < n {
		return nil, fmt.Errorf("%s: %d vertices but %d/%d floats: %w", p.Coord, p.VertexCount, len(p.Vertices), len(p.Normals), ErrBadFrame)
	}
	var raw []byte
	if n > 0 {
		raw = make([]byte, 0, n*2*4)
		raw = appendFloats(raw, p.Vertices[:n])
		raw = appendFloats(raw, p.Normals[:n])
		h.Encoding = MeshEncoding
		h.RawLen = len(raw)
	}
	head, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(head)+1+len(raw)/2)
	out = append(out, head...)
	out = append(out, '\n')
	if len(raw) > 0 {
		out = c.enc.EncodeAll(raw, out)
	}
	return out, nil
}

func (c *MeshCodec) Decode(frame []byte) (chunk.MeshPayload, error) {
	var p chunk.MeshPayload
	nl := bytes.IndexByte(frame, '\n')
	if nl < 0 {
		return p, fmt.Errorf("missing header line: %w", ErrBadFrame)
	}
	var h MeshHeader
	if err := json.Unmarshal(frame[:nl], &h); err != nil {
		return p, fmt.Errorf("header: %v: %w", err, ErrBadFrame)
	}
	if h.Type != TypeMesh || h.ProtocolVersion != Version {
		return p, fmt.Errorf("type=%q version=%q: %w", h.Type, h.ProtocolVersion, ErrBadFrame)
	}
	p.Coord = chunk.Coord{X: h.Coord[0], Y: h.Coord[1], Z: h.Coord[2]}
	if h.VertexCount == 0 {
		return p, nil
	}
	n := h.VertexCount * 3
	if h.VertexCount < 0 || h.Encoding != MeshEncoding || h.RawLen != n*2*4 || h.RawLen > maxMeshBytes {
		return p, fmt.Errorf("vertex_count=%d encoding=%q raw_len=%d: %w", h.VertexCount, h.Encoding, h.RawLen, ErrBadFrame)
	}
	raw, err := c.dec.DecodeAll(frame[nl+1:], make([]byte, 0, h.RawLen))
	if err != nil {
		return p, fmt.Errorf("body: %v: %w", err, ErrBadFrame)
	}
	if len(raw) != h.RawLen {
		return p, fmt.Errorf("body is %d bytes, header says %d: %w", len(raw), h.RawLen, ErrBadFrame)
	}
	p.VertexCount = h.VertexCount
	p.Vertices = readFloats(raw[:n*4])
	p.Normals = readFloats(raw[n*4:])
	return p, nil
}

// IsMeshFrame reports whether a binary websocket message looks like a mesh
// frame without decoding it.
func IsMeshFrame(frame []byte) bool {
	nl := bytes.IndexByte(frame, '\n')
	if nl < 0 {
		return false
	}
	base, err := DecodeBase(frame[:nl])
	return err == nil && base.Type == TypeMesh
}

func appendFloats(dst []byte, v []float32) []byte {
	for _, f := range v {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

func readFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
