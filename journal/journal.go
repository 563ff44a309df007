// Package journal 以追加方式记录 Actor 生命周期转换，供事后重放审计。
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Event 是一次生命周期转换。
type Event struct {
	// Time 转换发生的时间
	Time time.Time
	// Actor Actor 或 monitor 身份
	Actor string
	// Monitor 所属 monitor，arbiter 直接管理时为空
	Monitor string
	// From 原状态，新建时为空
	From string
	// To 新状态
	To string
	// Reason 转换原因
	Reason string
}

// Journal 是生命周期日志文件。
// 记录格式：[4 字节小端序长度][gob 编码的 Event]。
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open 以追加模式打开或创建日志。
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	return &Journal{f: f, path: path}, nil
}

// Path 返回文件路径。
func (j *Journal) Path() string { return j.path }

// Close 关闭文件，可重复调用。
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Append 追加一条记录。
func (j *Journal) Append(ev Event) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(&ev); err != nil {
		return errors.Wrap(err, "encode event")
	}
	buf := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(buf[:4], uint32(body.Len()))
	copy(buf[4:], body.Bytes())

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	_, err := j.f.Write(buf)
	return err
}

// Replay 从头读取记录，按顺序交给 fn；fn 返回错误时停止。
// 截断的尾部记录被视为日志结束。
func Replay(r io.Reader, fn func(Event) error) error {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil
		}
		var ev Event
		if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&ev); err != nil {
			return errors.Wrap(err, "decode event")
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// ReadFile 读取日志文件中的全部记录。
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	defer f.Close()
	var out []Event
	err = Replay(f, func(ev Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}
