// Package codec provides the reversible text encoding used for large
// captured blobs (DOM snapshots, storages, console logs).
//
// Encoded form is raw DEFLATE at maximum compression wrapped in standard
// base64, which matches PHP's base64_encode(gzdeflate($s, 9)) so rows written
// by earlier ezXSS releases decode unchanged.
package codec

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/klauspost/compress/flate"
)

// EmptyObject is the serialized empty key/value map. It marks "no storage
// data" and is never encoded or decoded.
const EmptyObject = "{}"

// Compress deflates text and returns it base64 encoded.
func Compress(text string) string {
	if text == EmptyObject {
		return text
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		// Only returned for an invalid level.
		panic(err)
	}
	// Writes into a bytes.Buffer cannot fail.
	_, _ = w.Write([]byte(text))
	_ = w.Close()

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// Decompress reverses Compress. Input that is not valid base64 or not a
// valid DEFLATE stream decodes to the empty string.
func Decompress(text string) string {
	if text == EmptyObject {
		return text
	}

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return ""
	}

	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	return string(out)
}
