package transformer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Tensor is a dense row-major tensor read from or bound for a
// safetensors file.
type Tensor struct {
	Shape []int
	Data  []float64
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// maxHeaderBytes rejects corrupt length prefixes before allocating.
const maxHeaderBytes = 100 << 20

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// ReadSafetensors decodes every tensor in r. Supported dtypes are F64,
// F32, F16 and BF16; all are widened to float64.
func ReadSafetensors(r io.Reader) (map[string]*Tensor, map[string]string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, errors.Wrap(err, "reading safetensors header length")
	}
	if n > maxHeaderBytes {
		return nil, nil, errors.Errorf("safetensors header of %d bytes is too large", n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, errors.Wrap(err, "reading safetensors header")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, nil, errors.Wrap(err, "decoding safetensors header")
	}
	meta := map[string]string{}
	headers := map[string]tensorHeader{}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &meta); err != nil {
				return nil, nil, errors.Wrap(err, "decoding safetensors metadata")
			}
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, nil, errors.Wrapf(err, "decoding header of %s", name)
		}
		headers[name] = h
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading safetensors body")
	}

	out := make(map[string]*Tensor, len(headers))
	for name, h := range headers {
		start, end := h.DataOffsets[0], h.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(body)) {
			return nil, nil, errors.Errorf("tensor %s: offsets [%d, %d) outside body of %d bytes", name, start, end, len(body))
		}
		data, err := decodeTensor(h.DType, body[start:end])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "tensor %s", name)
		}
		if len(data) != numel(h.Shape) {
			return nil, nil, errors.Errorf("tensor %s: %d values for shape %v", name, len(data), h.Shape)
		}
		out[name] = &Tensor{Shape: h.Shape, Data: data}
	}
	return out, meta, nil
}

func decodeTensor(dtype string, b []byte) ([]float64, error) {
	var width int
	switch dtype {
	case "F64":
		width = 8
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, errors.Errorf("unsupported dtype %q", dtype)
	}
	if len(b)%width != 0 {
		return nil, errors.Errorf("%d bytes is not a multiple of %s width", len(b), dtype)
	}
	out := make([]float64, len(b)/width)
	for i := range out {
		chunk := b[i*width : (i+1)*width]
		switch dtype {
		case "F64":
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(chunk))
		case "F32":
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		case "F16":
			out[i] = float16ToFloat64(binary.LittleEndian.Uint16(chunk))
		case "BF16":
			out[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(chunk)) << 16))
		}
	}
	return out, nil
}

func float16ToFloat64(h uint16) float64 {
	sign := 1.0
	if h&0x8000 != 0 {
		sign = -1
	}
	exp := int(h>>10) & 0x1f
	frac := float64(h & 0x3ff)
	switch exp {
	case 0:
		return sign * math.Ldexp(frac, -24)
	case 0x1f:
		if frac == 0 {
			return math.Inf(int(sign))
		}
		return math.NaN()
	}
	return sign * math.Ldexp(1+frac/1024, exp-15)
}

// WriteSafetensors encodes tensors as F64 in name order, so the same
// tensors always produce the same bytes.
func WriteSafetensors(w io.Writer, tensors map[string]*Tensor, meta map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(tensors)+1)
	if len(meta) > 0 {
		header[metadataKey] = meta
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		if len(t.Data) != numel(t.Shape) {
			return errors.Errorf("tensor %s: %d values for shape %v", name, len(t.Data), t.Shape)
		}
		size := int64(8 * len(t.Data))
		header[name] = tensorHeader{DType: "F64", Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encoding safetensors header")
	}
	// Pad the header with spaces so the body starts 8-byte aligned.
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), 8-pad)...)
	}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return errors.Wrap(err, "writing safetensors header length")
	}
	if _, err := bw.Write(hdr); err != nil {
		return errors.Wrap(err, "writing safetensors header")
	}
	buf := make([]byte, 8)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			if _, err := bw.Write(buf); err != nil {
				return errors.Wrapf(err, "writing tensor %s", name)
			}
		}
	}
	return errors.Wrap(bw.Flush(), "flushing safetensors")
}
