package relay

import (
	"bytes"
	"errors"
	"io"
)

// cacheTap 在把 origin 字节流转发给客户端的同时旁路累积正文。
// 累积永远不阻塞转发路径：超出 limit 即放弃累积（转发不受影响），
// 只有读到 origin EOF 才触发 commit；客户端断开引发的提前 Close
// 不会产生半份缓存。
type cacheTap struct {
	src       io.ReadCloser
	buf       bytes.Buffer
	limit     int64
	active    bool
	committed bool
	commit    func([]byte)
}

func newCacheTap(src io.ReadCloser, limit int64, commit func([]byte)) *cacheTap {
	return &cacheTap{
		src:    src,
		limit:  limit,
		active: true,
		commit: commit,
	}
}

func (t *cacheTap) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && t.active {
		t.buf.Write(p[:n])
		if int64(t.buf.Len()) > t.limit {
			t.abandon()
		}
	}
	if err != nil && errors.Is(err, io.EOF) {
		if t.active && !t.committed && t.buf.Len() > 0 {
			t.committed = true
			t.commit(t.buf.Bytes())
		}
	}
	return n, err
}

func (t *cacheTap) Close() error {
	if !t.committed {
		t.abandon()
	}
	return t.src.Close()
}

func (t *cacheTap) abandon() {
	t.active = false
	t.buf = bytes.Buffer{}
}
