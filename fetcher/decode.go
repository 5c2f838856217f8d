package fetcher

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
)

// readChunkSize is the read granularity of the capped reader.
const readChunkSize = 32 * 1024

// sniffBytes is how much of the first chunk is inspected for binary content.
const sniffBytes = 512

// parseContentEncoding splits a Content-Encoding header into its token
// list, dropping identity tokens. Any token outside the supported set is a
// hard failure before a single body byte is processed.
func parseContentEncoding(header, url string) ([]string, error) {
	if header == "" {
		return nil, nil
	}
	var encodings []string
	for _, raw := range strings.Split(header, ",") {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" || token == "identity" {
			continue
		}
		switch token {
		case "gzip", "x-gzip", "deflate", "br":
			encodings = append(encodings, token)
		default:
			return nil, weberr.New(weberr.CodeUnsupportedEncoding, url,
				"unsupported content encoding %q", token)
		}
	}
	return encodings, nil
}

// captureReader tees everything read from r into an internal buffer so the
// original bytes remain available as a fallback if decoding fails.
type captureReader struct {
	r   io.Reader
	buf bytes.Buffer
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.buf.Write(p[:n])
	}
	return n, err
}

// buildDecodeChain wraps r with one decoder per encoding token, applied in
// reverse declaration order. gzip and zlib read their headers eagerly, so a
// body that lies about its encoding fails here rather than mid-stream.
func buildDecodeChain(r io.Reader, encodings []string) (io.Reader, error) {
	for i := len(encodings) - 1; i >= 0; i-- {
		switch encodings[i] {
		case "gzip", "x-gzip":
			gz, err := gzip.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			r = gz
		case "deflate":
			dr, err := newDeflateReader(r)
			if err != nil {
				return nil, fmt.Errorf("deflate: %w", err)
			}
			r = dr
		case "br":
			r = brotli.NewReader(r)
		}
	}
	return r, nil
}

// newDeflateReader handles both RFC-compliant zlib-wrapped deflate and the
// raw deflate streams some servers send under the same token.
func newDeflateReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	if isZlibHeader(header) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	// CMF low nibble 8 (deflate) and valid FCHECK.
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

// readCapped reads from r until EOF or until max bytes have been consumed,
// truncating mid-chunk when the cap is crossed and reading no further. The
// first chunk is sniffed for binary content, which is a hard failure.
func readCapped(r io.Reader, max int64, url string) ([]byte, bool, error) {
	var out []byte
	chunk := make([]byte, readChunkSize)
	first := true

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if first {
				if sniffBinary(chunk[:n]) {
					return nil, false, weberr.New(weberr.CodeBinaryContent, url,
						"response is binary content, not text")
				}
				first = false
			}
			remaining := max - int64(len(out))
			if int64(n) >= remaining {
				out = append(out, chunk[:remaining]...)
				return out, true, nil
			}
			out = append(out, chunk[:n]...)
		}
		if err == io.EOF {
			return out, false, nil
		}
		if err != nil {
			return out, false, err
		}
	}
}

// sniffBinary inspects the beginning of the first chunk. A NUL byte or a
// detected non-text media type marks the payload as binary.
func sniffBinary(chunk []byte) bool {
	sample := chunk
	if len(sample) > sniffBytes {
		sample = sample[:sniffBytes]
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	ct := http.DetectContentType(sample)
	if strings.HasPrefix(ct, "text/") {
		return false
	}
	for _, marker := range []string{"xml", "json", "javascript", "ecmascript"} {
		if strings.Contains(ct, marker) {
			return false
		}
	}
	return true
}

// decodeBody decodes and caps a response body. The raw stream is teed into
// a capture buffer while the decode chain consumes it; if the first decoded
// chunk never arrives the original undecoded bytes are served instead of
// failing the request. That fallback is logged, never surfaced as an error.
// A decode failure after at least one chunk returns the decoded prefix
// flagged as truncated.
func decodeBody(body io.Reader, encodingHeader string, max int64, url string, logger *slog.Logger) (data []byte, truncated, fellBack bool, err error) {
	encodings, err := parseContentEncoding(encodingHeader, url)
	if err != nil {
		return nil, false, false, err
	}

	if len(encodings) == 0 {
		data, truncated, err = readCapped(body, max, url)
		return data, truncated, false, err
	}

	capt := &captureReader{r: body}
	var decodeErr error
	chain, decodeErr := buildDecodeChain(capt, encodings)
	if decodeErr == nil {
		data, truncated, readErr := readCapped(chain, max, url)
		if readErr == nil {
			return data, truncated, false, nil
		}
		if weberr.HasCode(readErr, weberr.CodeBinaryContent) {
			return nil, false, false, readErr
		}
		if len(data) > 0 {
			logger.Warn("decompression failed mid-stream, returning decoded prefix",
				"url", url, "encoding", encodingHeader, "decoded_bytes", len(data), "error", readErr)
			return data, true, false, nil
		}
		decodeErr = readErr
	}

	logger.Warn("decompression failed, serving raw response bytes",
		"url", url, "encoding", encodingHeader, "error", decodeErr)

	raw := append([]byte(nil), capt.buf.Bytes()...)
	if sniffBinary(raw) {
		// Raw compressed bytes are binary by nature; a fallback that
		// cannot even be sniffed as text still gets served, matching
		// the availability-over-correctness contract for this path.
		logger.Warn("decode fallback payload looks binary", "url", url)
	}
	if int64(len(raw)) >= max {
		return raw[:max], true, true, nil
	}
	rest, truncated, readErr := readCappedRaw(body, max-int64(len(raw)))
	if readErr != nil {
		return nil, false, false, fmt.Errorf("read body: %w", readErr)
	}
	return append(raw, rest...), truncated, true, nil
}

// readCappedRaw is readCapped without the binary sniff, used for the
// passthrough fallback branch where the payload is served as-is.
func readCappedRaw(r io.Reader, max int64) ([]byte, bool, error) {
	var out []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			remaining := max - int64(len(out))
			if int64(n) >= remaining {
				out = append(out, chunk[:remaining]...)
				return out, true, nil
			}
			out = append(out, chunk[:n]...)
		}
		if err == io.EOF {
			return out, false, nil
		}
		if err != nil {
			return out, false, err
		}
	}
}
