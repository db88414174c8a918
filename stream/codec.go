package stream

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/intheon/stream-viewer/errors"
)

// wire encodes everything that crosses NATS: chunk payloads and KV
// advertisements. ConfigCompatibleWithStandardLibrary keeps the bytes
// identical to encoding/json output so payloads stay readable by any
// JSON consumer.
var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeChunk serializes a chunk for its data subject.
func EncodeChunk(c Chunk) ([]byte, error) {
	data, err := wire.Marshal(c)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Chunk", "Encode", "chunk serialization")
	}
	return data, nil
}

// DecodeChunk parses a chunk payload received from a data subject.
// Failures wrap errors.ErrDecodingFailed.
func DecodeChunk(data []byte) (Chunk, error) {
	var c Chunk
	if len(data) == 0 {
		return Chunk{}, errors.WrapInvalid(errors.ErrDecodingFailed, "Chunk", "Decode",
			"empty payload")
	}
	if err := wire.Unmarshal(data, &c); err != nil {
		return Chunk{}, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrDecodingFailed, err),
			"Chunk", "Decode", "chunk parsing")
	}
	return c, nil
}

// EncodeAdvert serializes an advertisement for the discovery bucket.
func EncodeAdvert(a Advert) ([]byte, error) {
	data, err := wire.Marshal(a)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Advert", "Encode", "advert serialization")
	}
	return data, nil
}

// DecodeAdvert parses an advertisement read from the discovery bucket.
// Failures wrap errors.ErrDecodingFailed.
func DecodeAdvert(data []byte) (Advert, error) {
	var a Advert
	if len(data) == 0 {
		return Advert{}, errors.WrapInvalid(errors.ErrDecodingFailed, "Advert", "Decode",
			"empty payload")
	}
	if err := wire.Unmarshal(data, &a); err != nil {
		return Advert{}, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrDecodingFailed, err),
			"Advert", "Decode", "advert parsing")
	}
	return a, nil
}
