package revenium

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"io"
	"sync"

	"github.com/tidwall/gjson"
)

// chunkParser accumulates usage as a side channel while response bytes flow
// through to the caller unchanged.
type chunkParser interface {
	Feed(p []byte)
	Totals() usageTotals
}

const (
	parserBufferSize = 32 * 1024

	// jsonCaptureLimit bounds how much of a non-streaming body is retained for
	// usage extraction. The usage block sits near the top of the message
	// object, well inside this window.
	jsonCaptureLimit = 256 * 1024

	// maxEventStreamFrame guards against treating a corrupt prelude as a
	// gigantic frame length.
	maxEventStreamFrame = 16 * 1024 * 1024
)

// jsonParser captures a bounded prefix of a non-streaming response body and
// extracts usage from it once the body has been consumed.
type jsonParser struct {
	buf []byte
}

func newJSONParser() *jsonParser {
	return &jsonParser{buf: make([]byte, 0, 16*1024)}
}

func (p *jsonParser) Feed(chunk []byte) {
	remain := jsonCaptureLimit - len(p.buf)
	if remain <= 0 {
		return
	}
	if len(chunk) > remain {
		chunk = chunk[:remain]
	}
	p.buf = append(p.buf, chunk...)
}

func (p *jsonParser) Totals() usageTotals {
	return extractCompletionUsage(p.buf)
}

// applyChunkJSON folds one Anthropic stream event (message_start,
// message_delta, ...) or Bedrock stream payload into the totals.
func applyChunkJSON(data []byte, t *usageTotals) {
	root := gjson.ParseBytes(data)

	if msg := root.Get("message"); msg.Exists() {
		if model := msg.Get("model").String(); model != "" {
			t.Model = model
		}
		if id := msg.Get("id").String(); id != "" {
			t.TransactionID = id
		}
		t.applyUsageResult(msg.Get("usage"))
	}
	t.applyUsageResult(root.Get("usage"))
	// Converse stream closes with a metadata event carrying final usage.
	t.applyUsageResult(root.Get("metadata.usage"))

	if sr := firstString(root, "delta.stop_reason", "stopReason", "stop_reason"); sr != "" {
		t.StopReason = sr
	}

	// Bedrock appends invocation metrics to the last chunk.
	if metrics := root.Get("amazon-bedrock-invocationMetrics"); metrics.Exists() {
		if v := int(metrics.Get("inputTokenCount").Int()); v > 0 {
			t.InputTokens = v
		}
		if v := int(metrics.Get("outputTokenCount").Int()); v > t.OutputTokens {
			t.OutputTokens = v
		}
	}
}

// sseParser incrementally splits an Anthropic SSE stream into events and
// extracts usage from the structured "data: {json}" lines. Chunks may split
// events at arbitrary byte boundaries.
type sseParser struct {
	buf    []byte
	totals usageTotals
}

func newSSEParser() *sseParser {
	return &sseParser{buf: make([]byte, 0, parserBufferSize)}
}

func (p *sseParser) Feed(chunk []byte) {
	p.buf = append(p.buf, chunk...)
	p.drain(false)
}

func (p *sseParser) Totals() usageTotals {
	p.drain(true)
	return p.totals
}

func (p *sseParser) drain(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(p.buf, flush)
		if !ok {
			return
		}
		p.buf = rest
		p.parseEvent(event)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *sseParser) parseEvent(event []byte) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || payload[0] != '{' {
			continue
		}
		applyChunkJSON(payload, &p.totals)
	}
}

// eventStreamParser splits AWS eventstream frames (Bedrock's streaming wire
// format) and extracts usage from their JSON payloads. Invoke streams wrap the
// Anthropic chunk in a base64 "bytes" field; Converse streams carry the event
// JSON directly.
type eventStreamParser struct {
	buf    []byte
	totals usageTotals
}

func newEventStreamParser() *eventStreamParser {
	return &eventStreamParser{buf: make([]byte, 0, parserBufferSize)}
}

func (p *eventStreamParser) Feed(chunk []byte) {
	p.buf = append(p.buf, chunk...)
	for {
		if len(p.buf) < 16 {
			return
		}
		total := binary.BigEndian.Uint32(p.buf[0:4])
		headersLen := binary.BigEndian.Uint32(p.buf[4:8])
		if total < 16 || total > maxEventStreamFrame || headersLen > total-16 {
			// Corrupt prelude; abandon parsing rather than misread the stream.
			p.buf = nil
			return
		}
		if uint32(len(p.buf)) < total {
			return
		}
		// Frame: 12-byte prelude, headers, payload, 4-byte trailing CRC.
		payload := p.buf[12+headersLen : total-4]
		p.applyPayload(payload)
		p.buf = p.buf[total:]
	}
}

func (p *eventStreamParser) applyPayload(payload []byte) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return
	}
	if encoded := gjson.GetBytes(payload, "bytes"); encoded.Exists() {
		decoded, err := base64.StdEncoding.DecodeString(encoded.String())
		if err != nil {
			return
		}
		applyChunkJSON(decoded, &p.totals)
		return
	}
	applyChunkJSON(payload, &p.totals)
}

func (p *eventStreamParser) Totals() usageTotals {
	return p.totals
}

// meteredBody wraps a response body, forwarding every byte and the original
// termination semantics to the consumer while feeding a parser as a side
// channel. Exactly one finalize call is made, whether the body ends in EOF, an
// upstream error, or an early Close by a consumer that abandons the stream.
type meteredBody struct {
	rc io.ReadCloser

	// mu guards parser and sawFirst: a consumer may Close from another
	// goroutine while a Read is still feeding the parser.
	mu     sync.Mutex
	parser chunkParser

	onFirstByte func()
	sawFirst    bool

	// finalize receives the accumulated totals, the upstream error if any, and
	// whether the body was consumed to completion.
	finalize func(totals usageTotals, streamErr error, complete bool)
	once     sync.Once
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.mu.Lock()
		if !b.sawFirst {
			b.sawFirst = true
			if b.onFirstByte != nil {
				b.onFirstByte()
			}
		}
		b.parser.Feed(p[:n])
		b.mu.Unlock()
	}
	switch {
	case err == io.EOF:
		b.finish(nil, true)
	case err != nil:
		b.finish(err, false)
	}
	return n, err
}

func (b *meteredBody) Close() error {
	err := b.rc.Close()
	// Close before EOF means the consumer abandoned the stream; finalize a
	// partial record from what was observed.
	b.finish(nil, false)
	return err
}

func (b *meteredBody) finish(streamErr error, complete bool) {
	b.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.finalize(b.parser.Totals(), streamErr, complete)
	})
}
