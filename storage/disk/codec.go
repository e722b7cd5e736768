package disk

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/shellcache/internal/fb"
	"github.com/meigma/shellcache/snapshot"
)

// errCorruptEntry is returned when an entry file cannot be decoded.
var errCorruptEntry = errors.New("disk: corrupt cache entry")

// record is the decoded form of one entry file.
type record struct {
	key      snapshot.Key
	vary     http.Header
	resp     *snapshot.Response
	storedAt time.Time
}

// codec serializes records to FlatBuffers and compresses them with zstd.
// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) encode(r *record) []byte {
	return c.enc.EncodeAll(buildEntry(r), nil)
}

func (c *codec) decode(data []byte) (*record, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptEntry, err)
	}
	return readEntry(raw)
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}

// buildEntry serializes r to FlatBuffers format.
func buildEntry(r *record) []byte {
	resp := r.resp
	builder := flatbuffers.NewBuilder(len(resp.Body) + 512)

	// Nested objects and strings must be created before the entry table.
	varyOffset := buildHeaders(builder, r.vary, fb.EntryStartVaryVector)
	headersOffset := buildHeaders(builder, resp.Header, fb.EntryStartHeadersVector)
	bodyOffset := builder.CreateByteVector(resp.Body)
	methodOffset := builder.CreateString(r.key.Method)
	urlOffset := builder.CreateString(r.key.URL)
	statusTextOffset := builder.CreateString(resp.Status)
	responseURLOffset := builder.CreateString(resp.URL)

	fb.EntryStart(builder)
	fb.EntryAddMethod(builder, methodOffset)
	fb.EntryAddUrl(builder, urlOffset)
	fb.EntryAddVary(builder, varyOffset)
	fb.EntryAddStatus(builder, int32(resp.StatusCode)) //nolint:gosec // HTTP status codes fit in int32
	fb.EntryAddStatusText(builder, statusTextOffset)
	fb.EntryAddHeaders(builder, headersOffset)
	fb.EntryAddBody(builder, bodyOffset)
	fb.EntryAddResponseUrl(builder, responseURLOffset)
	fb.EntryAddType(builder, fb.ResponseType(resp.Type))
	fb.EntryAddStoredAtNs(builder, r.storedAt.UnixNano())
	entryOffset := fb.EntryEnd(builder)

	builder.Finish(entryOffset)
	return builder.FinishedBytes()
}

func buildHeaders(
	builder *flatbuffers.Builder,
	h http.Header,
	startVector func(*flatbuffers.Builder, int) flatbuffers.UOffsetT,
) flatbuffers.UOffsetT {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	offsets := make([]flatbuffers.UOffsetT, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		values := h[names[i]]
		valueOffsets := make([]flatbuffers.UOffsetT, len(values))
		for j := len(values) - 1; j >= 0; j-- {
			valueOffsets[j] = builder.CreateString(values[j])
		}
		fb.HeaderStartValuesVector(builder, len(values))
		for j := len(valueOffsets) - 1; j >= 0; j-- {
			builder.PrependUOffsetT(valueOffsets[j])
		}
		valuesOffset := builder.EndVector(len(values))
		nameOffset := builder.CreateString(names[i])

		fb.HeaderStart(builder)
		fb.HeaderAddName(builder, nameOffset)
		fb.HeaderAddValues(builder, valuesOffset)
		offsets[i] = fb.HeaderEnd(builder)
	}

	startVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	return builder.EndVector(len(offsets))
}

// readEntry decodes a FlatBuffers entry. FlatBuffers panics on truncated
// input, so the panic is converted into errCorruptEntry.
func readEntry(data []byte) (r *record, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, errCorruptEntry
	}
	defer func() {
		if recover() != nil {
			r, err = nil, errCorruptEntry
		}
	}()

	e := fb.GetRootAsEntry(data, 0)
	var h fb.Header

	vary := make(http.Header, e.VaryLength())
	for i := range e.VaryLength() {
		if e.Vary(&h, i) {
			readHeader(&h, vary)
		}
	}
	if len(vary) == 0 {
		vary = nil
	}
	header := make(http.Header, e.HeadersLength())
	for i := range e.HeadersLength() {
		if e.Headers(&h, i) {
			readHeader(&h, header)
		}
	}

	return &record{
		key:  snapshot.Key{Method: string(e.Method()), URL: string(e.Url())},
		vary: vary,
		resp: &snapshot.Response{
			StatusCode: int(e.Status()),
			Status:     string(e.StatusText()),
			Header:     header,
			Body:       slices.Clone(e.BodyBytes()),
			URL:        string(e.ResponseUrl()),
			Type:       snapshot.Type(e.Type()),
		},
		storedAt: time.Unix(0, e.StoredAtNs()),
	}, nil
}

func readHeader(h *fb.Header, into http.Header) {
	name := string(h.Name())
	values := make([]string, h.ValuesLength())
	for i := range values {
		values[i] = string(h.Values(i))
	}
	into[name] = values
}
