package params

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	FormatIRPA        = "irpa"
	FormatGGUF        = "gguf"
	FormatSafetensors = "safetensors"
)

func FormatRecognized(format string) bool {
	switch format {
	case FormatIRPA, FormatGGUF, FormatSafetensors:
		return true
	default:
		return false
	}
}

// InferFormat derives the parameter format from the file extension.
func InferFormat(path string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if !FormatRecognized(ext) {
		return "", status.Errorf(codes.InvalidArgument, "cannot infer parameter format from %q", path)
	}
	return ext, nil
}

func indexFile(path string, format string) (map[string]entry, error) {
	switch format {
	case FormatSafetensors:
		return indexSafetensors(path)
	case FormatGGUF:
		return indexOpaque(path, []byte("GGUF"))
	case FormatIRPA:
		return indexOpaque(path, []byte("IRPA"))
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unrecognized parameter format %q", format)
	}
}

// indexOpaque records the whole archive as a single entry keyed by the file
// stem, after validating the magic.
func indexOpaque(path string, magic []byte) (map[string]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, len(magic))
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("reading %q header: %w", path, err)
	}
	if !bytes.Equal(header, magic) {
		return nil, status.Errorf(codes.InvalidArgument, "%q does not start with %q", path, string(magic))
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return map[string]entry{
		stem: {path: path, offset: 0, length: info.Size()},
	}, nil
}

type safetensorsTensor struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// indexSafetensors parses the safetensors header: an 8-byte little-endian
// header length followed by a JSON map of tensor name to dtype, shape, and
// byte offsets within the data section.
func indexSafetensors(path string) (map[string]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading %q header length: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	if headerLen > uint64(info.Size()) {
		return nil, status.Errorf(codes.InvalidArgument, "%q safetensors header length %d exceeds file size", path, headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := f.ReadAt(headerJSON, 8); err != nil {
		return nil, fmt.Errorf("reading %q header: %w", path, err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("parsing %q safetensors header: %w", path, err)
	}

	dataStart := int64(8 + headerLen)
	entries := make(map[string]entry)
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var t safetensorsTensor
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("parsing tensor %q in %q: %w", name, path, err)
		}
		if len(t.DataOffsets) != 2 || t.DataOffsets[1] < t.DataOffsets[0] {
			return nil, status.Errorf(codes.InvalidArgument, "tensor %q in %q has invalid data offsets", name, path)
		}
		entries[name] = entry{
			path:   path,
			offset: dataStart + t.DataOffsets[0],
			length: t.DataOffsets[1] - t.DataOffsets[0],
		}
	}
	return entries, nil
}
