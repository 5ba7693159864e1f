package vectorindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

const fileVersion = 1

var fileMagic = [4]byte{'E', 'R', 'V', 'X'}

var ErrCorrupt = errors.New("vector index file is corrupt")

type fileHeader struct {
	Magic   [4]byte
	Version uint16
	Metric  uint16
	Dim     uint32
	Count   uint64
}

func metricCode(m Metric) uint16 {
	if m == MetricCosine {
		return 1
	}
	return 0
}

func metricFromCode(c uint16) (Metric, error) {
	switch c {
	case 0:
		return MetricL2, nil
	case 1:
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("%w: unknown metric code %d", ErrCorrupt, c)
	}
}

// WriteTo encodes the index: header, little-endian float32 payload, crc32.
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	cw := &countingWriter{w: w}
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(cw, crc)
	hdr := fileHeader{
		Magic:   fileMagic,
		Version: fileVersion,
		Metric:  metricCode(ix.metric),
		Dim:     uint32(ix.dim),
		Count:   uint64(len(ix.data) / ix.dim),
	}
	if err := binary.Write(mw, binary.LittleEndian, &hdr); err != nil {
		return cw.n, err
	}
	buf := make([]byte, 4)
	for _, v := range ix.data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := mw.Write(buf); err != nil {
			return cw.n, err
		}
	}
	if err := binary.Write(cw, binary.LittleEndian, crc.Sum32()); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// ReadFrom decodes an index written by WriteTo.
func ReadFrom(r io.Reader) (*Index, error) {
	crc := crc32.NewIEEE()
	tr := io.TeeReader(r, crc)
	var hdr fileHeader
	if err := binary.Read(tr, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}
	if hdr.Magic != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if hdr.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, hdr.Version)
	}
	metric, err := metricFromCode(hdr.Metric)
	if err != nil {
		return nil, err
	}
	if hdr.Dim == 0 {
		return nil, fmt.Errorf("%w: zero dimension", ErrCorrupt)
	}
	total := hdr.Count * uint64(hdr.Dim)
	data := make([]float32, 0, min(total, 1<<20))
	buf := make([]byte, 4)
	for i := uint64(0); i < total; i++ {
		if _, err := io.ReadFull(tr, buf); err != nil {
			return nil, fmt.Errorf("%w: truncated payload: %v", ErrCorrupt, err)
		}
		data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	}
	want := crc.Sum32()
	var got uint32
	if err := binary.Read(r, binary.LittleEndian, &got); err != nil {
		return nil, fmt.Errorf("%w: missing checksum: %v", ErrCorrupt, err)
	}
	if got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return &Index{dim: int(hdr.Dim), metric: metric, data: data}, nil
}

// Save writes the index to path through a temp file and rename, so a crash
// never leaves a half-written index behind.
func (ix *Index) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	bw := bufio.NewWriter(tmp)
	if _, err := ix.WriteTo(bw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write index: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return os.Rename(tmpName, path)
}

// Load reads the index at path and checks it against the configured metric
// and dimension. A missing file yields os.ErrNotExist.
func Load(path string, metric Metric, dim int) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ix, err := ReadFrom(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if ix.metric != metric {
		return nil, fmt.Errorf("%w: index %s uses metric %s, configured %s", appErr.ErrConfiguration, path, ix.metric, metric)
	}
	if ix.dim != dim {
		return nil, fmt.Errorf("%w: index %s has dimension %d, configured %d", appErr.ErrConfiguration, path, ix.dim, dim)
	}
	return ix, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
