package utils

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
)

type JSONBufferPool struct {
	pool sync.Pool
}

func (p *JSONBufferPool) Get() *bytes.Buffer {
	if buf := p.pool.Get(); buf != nil {
		return buf.(*bytes.Buffer)
	}
	return bytes.NewBuffer(make([]byte, 0, 1024))
}

func (p *JSONBufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	if buf.Cap() < 64*1024 {
		p.pool.Put(buf)
	}
}

var jsonPool = &JSONBufferPool{}

// Marshal encodes without the trailing newline the streaming encoder adds,
// so stored records compare byte for byte.
func Marshal(data interface{}) ([]byte, error) {
	buf := jsonPool.Get()
	defer jsonPool.Put(buf)

	if err := sonic.ConfigDefault.NewEncoder(buf).Encode(data); err != nil {
		return nil, err
	}

	out := bytes.TrimRight(buf.Bytes(), "\n")
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

func Valid(data []byte) bool {
	return sonic.ConfigDefault.Valid(data)
}

func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	configBytes, err := sonic.ConfigDefault.Marshal(config)
	if err != nil {
		return err
	}

	return sonic.ConfigDefault.Unmarshal(configBytes, target)
}
