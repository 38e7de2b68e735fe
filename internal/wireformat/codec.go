// Package wireformat encodes the values that cross storage and
// network boundaries: a StoredValue becomes a zstd-compressed JSON
// envelope, and a VectorClock alone becomes the base64 blob carried in
// the X-VinzClortho-Context header.
//
// The upstream design pickles then bz2-compresses these payloads.
// Go's standard library ships a bzip2 reader but no writer, and no
// dependency in this project's stack provides one either, so the
// codec here substitutes klauspost/compress's zstd encoder over a
// JSON envelope. The wire shape this supports — "POST a compressed
// opaque blob, decode it on receipt" — is unchanged; only the codec is
// different.
package wireformat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vinz-dynamo/vinz-dynamo/internal/versioning"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("wireformat: failed to build zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("wireformat: failed to build zstd decoder: %v", err))
	}
}

// clockDTO is the JSON-serializable shape of a VectorClock. versioning
// deliberately keeps its internal entry map unexported, so the codec
// round-trips through this DTO rather than reaching into it.
type clockDTO struct {
	Entries map[string]clockEntryDTO `json:"entries"`
}

type clockEntryDTO struct {
	Counter   uint64 `json:"counter"`
	TimestampUnixNano int64 `json:"timestamp_unix_nano"`
}

type storedValueDTO struct {
	Clock     clockDTO `json:"clock"`
	Values    [][]byte `json:"values,omitempty"`
	Tombstone bool     `json:"tombstone,omitempty"`
}

// EncodeStoredValue compresses a StoredValue into the blob that
// storage.Engine persists and that travels over /_localstore and
// /_handoff.
func EncodeStoredValue(sv types.StoredValue) ([]byte, error) {
	dto := storedValueDTO{
		Clock:     toClockDTO(sv.Clock),
		Values:    sv.Values,
		Tombstone: sv.Tombstone,
	}
	raw, err := json.Marshal(dto)
	if err != nil {
		return nil, fmt.Errorf("wireformat: marshal stored value: %w", err)
	}
	return encoder.EncodeAll(raw, nil), nil
}

// DecodeStoredValue reverses EncodeStoredValue.
func DecodeStoredValue(blob []byte) (types.StoredValue, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return types.StoredValue{}, fmt.Errorf("wireformat: zstd decode: %w", err)
	}
	var dto storedValueDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return types.StoredValue{}, fmt.Errorf("wireformat: unmarshal stored value: %w", err)
	}
	return types.StoredValue{
		Clock:     fromClockDTO(dto.Clock),
		Values:    dto.Values,
		Tombstone: dto.Tombstone,
	}, nil
}

// EncodeContext renders a VectorClock into the base64 string carried
// in the X-VinzClortho-Context header.
func EncodeContext(vc *versioning.VectorClock) (string, error) {
	raw, err := json.Marshal(toClockDTO(vc))
	if err != nil {
		return "", fmt.Errorf("wireformat: marshal context: %w", err)
	}
	compressed := encoder.EncodeAll(raw, nil)
	return base64.StdEncoding.EncodeToString(compressed), nil
}

// DecodeContext reverses EncodeContext.
func DecodeContext(context string) (*versioning.VectorClock, error) {
	compressed, err := base64.StdEncoding.DecodeString(context)
	if err != nil {
		return nil, fmt.Errorf("wireformat: base64 decode context: %w", err)
	}
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("wireformat: zstd decode context: %w", err)
	}
	var dto clockDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("wireformat: unmarshal context: %w", err)
	}
	return fromClockDTO(dto), nil
}

// EncodeMetadata compresses a Metadata gossip payload.
func EncodeMetadata(meta types.Metadata) ([]byte, error) {
	raw, err := json.Marshal(metadataDTO{Clock: toClockDTO(meta.Clock), Ring: meta.Ring})
	if err != nil {
		return nil, fmt.Errorf("wireformat: marshal metadata: %w", err)
	}
	return encoder.EncodeAll(raw, nil), nil
}

// DecodeMetadata reverses EncodeMetadata.
func DecodeMetadata(blob []byte) (types.Metadata, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return types.Metadata{}, fmt.Errorf("wireformat: zstd decode metadata: %w", err)
	}
	var dto metadataDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return types.Metadata{}, fmt.Errorf("wireformat: unmarshal metadata: %w", err)
	}
	return types.Metadata{Clock: fromClockDTO(dto.Clock), Ring: dto.Ring}, nil
}

type metadataDTO struct {
	Clock clockDTO          `json:"clock"`
	Ring  types.RingSnapshot `json:"ring"`
}

type handoffChunkDTO struct {
	Partition int                       `json:"partition"`
	Entries   map[string]storedValueDTO `json:"entries,omitempty"`
	Final     bool                      `json:"final,omitempty"`
}

// EncodeHandoffChunk compresses one streamed frame of a partition
// transfer for POST /_handoff.
func EncodeHandoffChunk(chunk types.HandoffChunk) ([]byte, error) {
	dto := handoffChunkDTO{Partition: chunk.Partition, Final: chunk.Final}
	if len(chunk.Entries) > 0 {
		dto.Entries = make(map[string]storedValueDTO, len(chunk.Entries))
		for k, sv := range chunk.Entries {
			dto.Entries[k] = storedValueDTO{Clock: toClockDTO(sv.Clock), Values: sv.Values, Tombstone: sv.Tombstone}
		}
	}
	raw, err := json.Marshal(dto)
	if err != nil {
		return nil, fmt.Errorf("wireformat: marshal handoff chunk: %w", err)
	}
	return encoder.EncodeAll(raw, nil), nil
}

// DecodeHandoffChunk reverses EncodeHandoffChunk.
func DecodeHandoffChunk(blob []byte) (types.HandoffChunk, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return types.HandoffChunk{}, fmt.Errorf("wireformat: zstd decode handoff chunk: %w", err)
	}
	var dto handoffChunkDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return types.HandoffChunk{}, fmt.Errorf("wireformat: unmarshal handoff chunk: %w", err)
	}
	chunk := types.HandoffChunk{Partition: dto.Partition, Final: dto.Final}
	if len(dto.Entries) > 0 {
		chunk.Entries = make(map[string]types.StoredValue, len(dto.Entries))
		for k, v := range dto.Entries {
			chunk.Entries[k] = types.StoredValue{Clock: fromClockDTO(v.Clock), Values: v.Values, Tombstone: v.Tombstone}
		}
	}
	return chunk, nil
}

func toClockDTO(vc *versioning.VectorClock) clockDTO {
	entries := vc.Entries()
	dto := clockDTO{Entries: make(map[string]clockEntryDTO, len(entries))}
	for k, v := range entries {
		dto.Entries[k] = clockEntryDTO{Counter: v.Counter, TimestampUnixNano: v.TimestampUnixNano}
	}
	return dto
}

func fromClockDTO(dto clockDTO) *versioning.VectorClock {
	entries := make(map[string]versioning.ClockEntry, len(dto.Entries))
	for k, v := range dto.Entries {
		entries[k] = versioning.ClockEntry{Counter: v.Counter, TimestampUnixNano: v.TimestampUnixNano}
	}
	return versioning.FromEntries(entries)
}
