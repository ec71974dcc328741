package dedupproxy

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
)

// decodeBody un-compresses body per contentEncoding, decodes it as UTF-8 (Go
// strings already are byte-transparent UTF-8 containers, so no extra step
// is needed there), then tries a JSON parse, falling through to the raw
// string on failure — response bodies are not assumed to be JSON.
func decodeBody(body []byte, contentEncoding string) (any, error) {
	raw, err := decompress(body, contentEncoding)
	if err != nil {
		return nil, fmt.Errorf("decompressing response body: %w", err)
	}

	if len(raw) == 0 {
		return "", nil
	}
	if !gjson.ValidBytes(raw) {
		return string(raw), nil
	}
	return gjson.ParseBytes(raw).Value(), nil
}

func decompress(body []byte, contentEncoding string) ([]byte, error) {
	switch contentEncoding {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	default:
		return body, nil
	}
}
