package gzip

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Writer pools by compression level
var (
	writerPools = make(map[int]*sync.Pool)
	poolMu      sync.RWMutex
)

func getWriterPool(level int) *sync.Pool {
	poolMu.RLock()
	pool, ok := writerPools[level]
	poolMu.RUnlock()
	if ok {
		return pool
	}

	poolMu.Lock()
	defer poolMu.Unlock()

	if pool, ok = writerPools[level]; ok {
		return pool
	}

	pool = &sync.Pool{
		New: func() interface{} {
			w, _ := gzip.NewWriterLevel(nil, level)
			return w
		},
	}
	writerPools[level] = pool
	return pool
}

// Compress compresses data using gzip with writer pooling.
func Compress(src []byte, level int) ([]byte, error) {
	pool := getWriterPool(level)
	w := pool.Get().(*gzip.Writer)
	defer pool.Put(w)

	var buf bytes.Buffer
	w.Reset(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress decompresses gzip data.
func Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
