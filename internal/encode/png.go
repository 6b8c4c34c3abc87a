// Package encode embeds metadata into image containers, degrading through
// defined fallback stages where a container imposes segment size limits.
package encode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
)

// TextEntry is one key/value pair destined for a lossless container's text
// block.
type TextEntry struct {
	Key   string
	Value string
}

// EncodePNG encodes the image and splices the text entries in as tEXt/iTXt
// chunks directly after IHDR. Values containing non-Latin-1 text go into
// iTXt chunks with UTF-8 payloads.
func EncodePNG(img image.Image, entries []TextEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	raw := buf.Bytes()

	// 8-byte signature + IHDR (4 length + 4 type + 13 data + 4 crc).
	const insertAt = 8 + 4 + 4 + 13 + 4
	if len(raw) < insertAt {
		return nil, fmt.Errorf("png encode: short stream (%d bytes)", len(raw))
	}

	var chunks bytes.Buffer
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		chunks.Write(textChunk(e.Key, e.Value))
	}

	out := make([]byte, 0, len(raw)+chunks.Len())
	out = append(out, raw[:insertAt]...)
	out = append(out, chunks.Bytes()...)
	out = append(out, raw[insertAt:]...)
	return out, nil
}

// textChunk builds a tEXt chunk for Latin-1 values and an iTXt chunk
// otherwise.
func textChunk(key, value string) []byte {
	if isLatin1(value) && isLatin1(key) {
		data := make([]byte, 0, len(key)+1+len(value))
		data = append(data, key...)
		data = append(data, 0)
		data = append(data, value...)
		return buildChunk("tEXt", data)
	}
	// iTXt: key \0 compression-flag \0 compression-method \0 language \0
	// translated-key \0 utf-8 text
	data := make([]byte, 0, len(key)+5+len(value))
	data = append(data, key...)
	data = append(data, 0, 0, 0, 0, 0)
	data = append(data, value...)
	return buildChunk("iTXt", data)
}

func buildChunk(typ string, data []byte) []byte {
	out := make([]byte, 8, 8+len(data)+4)
	binary.BigEndian.PutUint32(out[:4], uint32(len(data)))
	copy(out[4:8], typ)
	out = append(out, data...)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc.Sum32())
	return append(out, crcBytes[:]...)
}

func isLatin1(s string) bool {
	for _, r := range s {
		if r > 0xFF {
			return false
		}
	}
	return true
}
