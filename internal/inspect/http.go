package inspect

import "bytes"

var headerEnd = []byte("\r\n\r\n")

// HTTP classifies the body of each request chunk. A chunk without a
// header terminator is treated as a continuation of an earlier body.
type HTTP struct {
	c Classifier
}

func NewHTTP(c Classifier) *HTTP {
	return &HTTP{c: c}
}

func (*HTTP) Name() string { return "http" }

func (h *HTTP) Inspect(_ int, chunk []byte) Verdict {
	body := chunk
	if i := bytes.Index(chunk, headerEnd); i >= 0 {
		body = chunk[i+len(headerEnd):]
	}
	if h.c.Classify(string(body)) {
		return Veto
	}
	return Forward
}

func (*HTTP) Forget(int) {}
