package service

import "bytes"

// JSONArrayStreamParser 增量解析上游返回的 JSON 数组流
// （形如 `[{...},\n{...},\n...]`），不缓冲整个数组，
// 每凑满一个顶层对象就产出一次。
// 括号深度只在字符串外计数，转义感知。
type JSONArrayStreamParser struct {
	buf      bytes.Buffer
	scanned  int // buf 中已扫描过的字节数
	inObject bool
	depth    int
	inString bool
	escaped  bool
	objStart int
}

// Feed 喂入一段原始字节，返回本次凑齐的完整对象
func (p *JSONArrayStreamParser) Feed(chunk []byte) [][]byte {
	p.buf.Write(chunk)
	data := p.buf.Bytes()

	var out [][]byte
	for i := p.scanned; i < len(data); i++ {
		c := data[i]

		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}

		switch c {
		case '"':
			if p.inObject {
				p.inString = true
			}
		case '{':
			if !p.inObject {
				p.inObject = true
				p.objStart = i
			}
			p.depth++
		case '}':
			if !p.inObject {
				continue
			}
			p.depth--
			if p.depth == 0 {
				obj := make([]byte, i+1-p.objStart)
				copy(obj, data[p.objStart:i+1])
				out = append(out, obj)
				p.inObject = false
				p.objStart = i + 1
			}
		}
	}

	// 丢弃已消费的前缀，残余的半个对象留在缓冲
	if p.inObject {
		remaining := append([]byte(nil), data[p.objStart:]...)
		p.buf.Reset()
		p.buf.Write(remaining)
		p.objStart = 0
		p.scanned = len(remaining)
	} else {
		p.buf.Reset()
		p.objStart = 0
		p.scanned = 0
	}
	return out
}

// Pending 缓冲中是否还有未完成的对象
func (p *JSONArrayStreamParser) Pending() bool {
	return p.inObject
}
