package service

import "sync"

// 流式转发的行扫描缓冲统一 64K 起步，scanner 需要更大空间时自行扩容。
// 复用避免高并发下每请求分配。
const relayScanBufSize = 64 * 1024

type relayScanBuf [relayScanBufSize]byte

var relayScanBufs = sync.Pool{
	New: func() any { return new(relayScanBuf) },
}

func getRelayScanBuf() *relayScanBuf { return relayScanBufs.Get().(*relayScanBuf) }

func putRelayScanBuf(b *relayScanBuf) {
	if b != nil {
		relayScanBufs.Put(b)
	}
}
