package sparkplug

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
)

const compressedUUID = "SPBV1.0_COMPRESSED"

// IsCompressedWrapper reports whether the outer envelope is the
// Sparkplug B compression wrapper: a payload whose uuid is the fixed
// sentinel, or whose properties carry an "algorithm" metric naming
// "GZIP". Both shapes appear in the wild; both are accepted.
func IsCompressedWrapper(uuid string, body []byte, algorithmMetric string) bool {
	if uuid == compressedUUID && len(body) > 0 {
		return true
	}
	return algorithmMetric == "GZIP"
}

// UnwrapIfCompressed decompresses body, trying gzip first and falling
// back to raw zlib (deflate with the zlib wrapper) since both have been
// observed from real edge-node implementations.
func UnwrapIfCompressed(body []byte) ([]byte, error) {
	if out, err := gunzip(body); err == nil {
		return out, nil
	}
	if out, err := zlibInflate(body); err == nil {
		return out, nil
	}
	return nil, errs.New(errs.KindMalformedPayload, "compression", io.ErrUnexpectedEOF)
}

func gunzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func zlibInflate(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
