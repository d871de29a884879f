package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// maxConsecutiveNoise bounds how many non-JSON-RPC lines Decode will swallow
// in a single call before giving up for this cycle, so a chatty child can
// never starve the reader (spec §4.2).
const maxConsecutiveNoise = 10

// ErrNoMessageThisCycle is returned by Decode when maxConsecutiveNoise
// contiguous lines were discarded without finding a well-formed envelope.
// Callers should simply call Decode again; it is not a stream error.
var ErrNoMessageThisCycle = errors.New("mcp: no message this read cycle")

// Codec serializes and parses line-delimited JSON-RPC 2.0 envelopes. The
// core consumes one injected Codec per spec.md §1; NewNDJSONCodec is the
// production implementation.
type Codec interface {
	// Encode writes one envelope as a single compact JSON line terminated by
	// '\n'. Callers are responsible for serializing concurrent writers onto w.
	Encode(w io.Writer, env *Envelope) error

	// Decode reads lines from r until it finds one that parses as a
	// well-formed JSON-RPC 2.0 envelope, silently discarding anything else as
	// contaminating stdout noise. Returns io.EOF when r is exhausted, or
	// ErrNoMessageThisCycle after maxConsecutiveNoise discarded lines.
	Decode(r *bufio.Reader, logger *slog.Logger, serverID string) (*Envelope, error)
}

type ndjsonCodec struct{}

// NewNDJSONCodec returns the production line-delimited JSON codec (spec §4.2).
func NewNDJSONCodec() Codec { return ndjsonCodec{} }

func (ndjsonCodec) Encode(w io.Writer, env *Envelope) error {
	data, err := json.Marshal(env.toWire())
	if err != nil {
		return fmt.Errorf("mcp: encode envelope: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func (ndjsonCodec) Decode(r *bufio.Reader, logger *slog.Logger, serverID string) (*Envelope, error) {
	rejections := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) == 0 {
			return nil, readErr
		}

		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			if readErr != nil {
				return nil, readErr
			}
			continue
		}

		if !looksLikeJSONRPC(trimmed) {
			logDiscard(logger, serverID, "non-JSON-RPC stdout noise", trimmed)
			rejections++
			if readErr != nil {
				return nil, readErr
			}
			if rejections >= maxConsecutiveNoise {
				return nil, ErrNoMessageThisCycle
			}
			continue
		}

		env, classifyErr := decodeEnvelope(trimmed)
		if classifyErr != nil {
			logDiscard(logger, serverID, "malformed JSON-RPC envelope: "+classifyErr.Error(), trimmed)
			rejections++
			if readErr != nil {
				return nil, readErr
			}
			if rejections >= maxConsecutiveNoise {
				return nil, ErrNoMessageThisCycle
			}
			continue
		}

		return env, nil
	}
}

func logDiscard(logger *slog.Logger, serverID, reason string, line []byte) {
	if logger == nil {
		return
	}
	preview := line
	if len(preview) > 200 {
		preview = preview[:200]
	}
	logger.Debug("discarding stdout line", "server", serverID, "reason", reason, "line", string(preview))
}

// looksLikeJSONRPC is the cheap syntactic pre-filter spec §4.2 requires
// before a line is even handed to the JSON parser: balanced
// brackets/braces respecting string quoting and escapes, an object with at
// least one ':', and no unquoted '?' or bare '=' (typical of banner/log text).
func looksLikeJSONRPC(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	first := b[0]
	last := b[len(b)-1]
	if first != '{' && first != '[' {
		return false
	}
	if last != '}' && last != ']' {
		return false
	}

	depth := 0
	inString := false
	escaped := false
	sawColon := false

	for _, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		case ':':
			sawColon = true
		case '?', '=':
			return false
		}
	}

	if inString || depth != 0 {
		return false
	}
	if first == '{' && !sawColon {
		return false
	}
	return true
}

// decodeEnvelope classifies a line that has already passed the syntactic
// pre-filter into a Request, Response, or Notification, enforcing the
// JSON-RPC 2.0 invariants spec §4.1 lists.
func decodeEnvelope(line []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if w.JSONRPC != "2.0" {
		return nil, fmt.Errorf("missing or invalid jsonrpc version %q", w.JSONRPC)
	}

	switch {
	case w.ID != nil && w.Method == "":
		if w.Result != nil && w.Error != nil {
			return nil, fmt.Errorf("response carries both result and error")
		}
		if w.Result == nil && w.Error == nil {
			return nil, fmt.Errorf("response carries neither result nor error")
		}
		return &Envelope{Kind: KindResponse, ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	case w.ID != nil && w.Method != "":
		return &Envelope{Kind: KindRequest, ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case w.ID == nil && w.Method != "":
		return &Envelope{Kind: KindNotification, Method: w.Method, Params: w.Params}, nil
	default:
		return nil, fmt.Errorf("request lacks method")
	}
}
