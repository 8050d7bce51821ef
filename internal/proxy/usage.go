package proxy

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"

	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/typ"
)

// Collector extracts usage from an upstream response body as it is copied to
// the client. It is an io.Writer the dispatcher tees through; it never
// modifies or delays the bytes.
//
// Streaming responses are parsed one SSE data line at a time: message_start
// carries input/cache counts and the model, message_delta carries the final
// output count. Non-streaming responses are parsed whole at Finish. When no
// usage frame ever arrives the output count falls back to an incremental
// tokenizer estimate over the text deltas.
type Collector struct {
	mu        sync.Mutex
	streaming bool
	pricing   config.PriceTable

	buf  bytes.Buffer // partial SSE line or whole JSON body
	stat typ.UsageStat

	sawUsage       bool
	estimatedOut   int
	firstByteAt    time.Time
	lastByteAt     time.Time
	requestStarted time.Time

	enc tokenizer.Codec
}

// NewCollector creates a collector for one upstream response.
func NewCollector(streaming bool, pricing config.PriceTable, requestStarted time.Time) *Collector {
	c := &Collector{
		streaming:      streaming,
		pricing:        pricing,
		requestStarted: requestStarted,
	}
	// Tokenizer load failure degrades to the byte-length estimate.
	if enc, err := tokenizer.Get(tokenizer.O200kBase); err == nil {
		c.enc = enc
	}
	return c
}

// Write observes a chunk of the response body. Always returns len(p), nil:
// usage collection must never fail the copy.
func (c *Collector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.firstByteAt.IsZero() {
		c.firstByteAt = now
	}
	c.lastByteAt = now

	if !c.streaming {
		c.buf.Write(p)
		return len(p), nil
	}

	c.buf.Write(p)
	for {
		line, rest, found := bytes.Cut(c.buf.Bytes(), []byte("\n"))
		if !found {
			break
		}
		c.consumeLine(string(line))
		remaining := append([]byte(nil), rest...)
		c.buf.Reset()
		c.buf.Write(remaining)
	}
	return len(p), nil
}

// consumeLine handles one complete SSE line.
func (c *Collector) consumeLine(line string) {
	line = strings.TrimRight(line, "\r")
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return
	}

	event := gjson.Parse(payload)
	switch event.Get("type").String() {
	case "message_start":
		msg := event.Get("message")
		if model := msg.Get("model").String(); model != "" {
			c.stat.Model = model
		}
		if usage := msg.Get("usage"); usage.Exists() {
			c.sawUsage = true
			c.stat.InputTokens = int(usage.Get("input_tokens").Int())
			c.stat.CacheReadInputTokens = int(usage.Get("cache_read_input_tokens").Int())
			c.stat.CacheCreationInputTokens = int(usage.Get("cache_creation_input_tokens").Int())
			c.stat.OutputTokens = int(usage.Get("output_tokens").Int())
		}
	case "message_delta":
		if usage := event.Get("usage"); usage.Exists() {
			c.sawUsage = true
			if out := usage.Get("output_tokens"); out.Exists() {
				c.stat.OutputTokens = int(out.Int())
			}
			if in := usage.Get("input_tokens"); in.Exists() && in.Int() > 0 {
				c.stat.InputTokens = int(in.Int())
			}
		}
	case "content_block_delta":
		if text := event.Get("delta.text").String(); text != "" {
			c.estimatedOut += c.countTokens(text)
		}
	}
}

// countTokens counts with the tokenizer, falling back to length/4.
func (c *Collector) countTokens(text string) int {
	if c.enc != nil {
		if n, err := c.enc.Count(text); err == nil {
			return n
		}
	}
	return len(text) / 4
}

// Finish closes collection and returns the usage with cost and throughput
// filled in.
func (c *Collector) Finish() typ.UsageStat {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.streaming && c.buf.Len() > 0 {
		body := gjson.ParseBytes(c.buf.Bytes())
		if model := body.Get("model").String(); model != "" {
			c.stat.Model = model
		}
		if usage := body.Get("usage"); usage.Exists() {
			c.sawUsage = true
			c.stat.InputTokens = int(usage.Get("input_tokens").Int())
			c.stat.OutputTokens = int(usage.Get("output_tokens").Int())
			c.stat.CacheReadInputTokens = int(usage.Get("cache_read_input_tokens").Int())
			c.stat.CacheCreationInputTokens = int(usage.Get("cache_creation_input_tokens").Int())
		}
	}

	if !c.sawUsage && c.estimatedOut > 0 {
		c.stat.OutputTokens = c.estimatedOut
	}

	if c.stat.Model != "" {
		c.stat.CostUSD = c.pricing.CostUSD(c.stat.Model,
			c.stat.InputTokens, c.stat.OutputTokens,
			c.stat.CacheReadInputTokens, c.stat.CacheCreationInputTokens)
	}

	if c.stat.OutputTokens > 0 && !c.firstByteAt.IsZero() {
		elapsed := c.lastByteAt.Sub(c.firstByteAt).Seconds()
		if elapsed > 0 {
			c.stat.TokensPerSecond = float64(c.stat.OutputTokens) / elapsed
		}
	}
	return c.stat
}
