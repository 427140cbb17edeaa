package adopted

import (
	"fmt"
	"strconv"
	"strings"
)

// fieldSep separates tokens within one recorded entry. strconv.Quote
// escapes any literal occurrence in user text as \x1f, so splitting a raw
// entry on fieldSep always recovers the exact tokens it was built from.
const fieldSep = "\x1f"

// SessionRecord serializes the stream of Requests an Algorithm processes
// into a deterministic, append-only log (C7): two Algorithms fed the same
// request stream in the same order produce byte-identical records,
// independent of wall-clock time or map iteration order, so a record can
// be persisted and later replayed to reconstruct the document from
// scratch.
type SessionRecord struct {
	entries []string
}

// NewSessionRecord returns an empty record.
func NewSessionRecord() *SessionRecord {
	return &SessionRecord{}
}

// Append renders req and appends it as the next entry.
func (r *SessionRecord) Append(req Request) {
	r.entries = append(r.entries, encodeRequest(req))
}

// Entries returns the recorded lines in append order, suitable for
// writing one-per-row to storage.
func (r *SessionRecord) Entries() []string {
	return append([]string(nil), r.entries...)
}

// LoadEntries returns a new record holding previously persisted lines,
// e.g. rows read back from sqlite, without re-validating them;
// validation happens on Replay.
func LoadEntries(lines []string) *SessionRecord {
	return &SessionRecord{entries: append([]string(nil), lines...)}
}

// Replay re-issues every entry, in order, against algorithm via
// ReceiveRemote. This is correct even for requests the replaying process
// itself originally generated: a from-scratch replay presents each
// user's requests in the same order they were first appended, so the
// per-user causality check ReceiveRemote enforces is satisfied exactly
// the same way it was the first time.
func Replay(entries []string, algorithm *Algorithm) error {
	for i, line := range entries {
		req, err := decodeRequest(line)
		if err != nil {
			return fmt.Errorf("record: entry %d: %w", i, err)
		}
		if _, err := algorithm.ReceiveRemote(req); err != nil {
			return fmt.Errorf("record: entry %d: %w", i, err)
		}
	}
	return nil
}

// DecodeEntry parses a single previously-recorded line back into the
// Request it encodes, for callers (such as a session reconstructing its
// flat history alongside Replay) that need the decoded form rather than
// just its effect on an Algorithm.
func DecodeEntry(line string) (Request, error) {
	return decodeRequest(line)
}

func encodeRequest(req Request) string {
	tokens := []string{
		strconv.FormatUint(req.UserID, 10),
		req.Vector.String(),
		req.Kind.String(),
		strconv.Itoa(req.TargetIndex),
	}
	tokens = append(tokens, encodeOp(req.Operation)...)
	return strings.Join(tokens, fieldSep)
}

func decodeRequest(line string) (Request, error) {
	tokens := strings.Split(line, fieldSep)
	if len(tokens) < 4 {
		return Request{}, fmt.Errorf("%w: truncated request entry", ErrUnknownOperation)
	}
	user, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: bad user id: %v", ErrUnknownOperation, err)
	}
	vector, err := ParseVector(tokens[1])
	if err != nil {
		return Request{}, err
	}
	kind, err := parseKind(tokens[2])
	if err != nil {
		return Request{}, err
	}
	target, err := strconv.Atoi(tokens[3])
	if err != nil {
		return Request{}, fmt.Errorf("%w: bad target index: %v", ErrUnknownOperation, err)
	}

	i := 4
	op, err := decodeOp(tokens, &i)
	if err != nil {
		return Request{}, err
	}
	if i != len(tokens) {
		return Request{}, fmt.Errorf("%w: trailing tokens in request entry", ErrUnknownOperation)
	}

	return Request{UserID: user, Vector: vector, Operation: op, Kind: kind, TargetIndex: target}, nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "Do":
		return Do, nil
	case "Undo":
		return Undo, nil
	case "Redo":
		return Redo, nil
	default:
		return Do, fmt.Errorf("%w: unknown request kind %q", ErrUnknownOperation, s)
	}
}

// encodeOp renders op as a flat token sequence; encodeRequest and the
// Split case below both append these directly onto a shared token list,
// so decodeOp can walk it back with a single cursor regardless of nesting.
func encodeOp(op Operation) []string {
	switch o := op.(type) {
	case Insert:
		return []string{"I", strconv.Itoa(o.Pos), strconv.FormatUint(o.Payload.Author, 10), strconv.Quote(o.Payload.Text)}
	case Delete:
		return []string{"D", strconv.Itoa(o.Pos), strconv.Itoa(o.Len)}
	case ReversibleDelete:
		return []string{"V", strconv.Itoa(o.Pos), strconv.FormatUint(o.Payload.Author, 10), strconv.Quote(o.Payload.Text)}
	case Move:
		return []string{"M", strconv.FormatUint(o.User, 10), strconv.Itoa(o.From), strconv.Itoa(o.To)}
	case NoOp:
		return []string{"N"}
	case Split:
		tokens := []string{"S"}
		tokens = append(tokens, encodeOp(o.First)...)
		tokens = append(tokens, encodeOp(o.Second)...)
		return tokens
	default:
		return []string{"N"}
	}
}

// decodeOp consumes the operation starting at tokens[*i], advancing *i
// past everything it read, and recursing for Split so arbitrarily nested
// splits round-trip through the same flat token stream encodeOp produces.
func decodeOp(tokens []string, i *int) (Operation, error) {
	if *i >= len(tokens) {
		return nil, fmt.Errorf("%w: truncated operation", ErrUnknownOperation)
	}
	tag := tokens[*i]
	*i++

	switch tag {
	case "I", "V":
		pos, author, text, err := take3Tokens(tokens, i)
		if err != nil {
			return nil, err
		}
		seg := Segment{Author: author, Text: text}
		if tag == "I" {
			return Insert{Pos: pos, Payload: seg}, nil
		}
		return ReversibleDelete{Pos: pos, Payload: seg}, nil
	case "D":
		if *i+2 > len(tokens) {
			return nil, fmt.Errorf("%w: truncated delete", ErrUnknownOperation)
		}
		pos, err := strconv.Atoi(tokens[*i])
		if err != nil {
			return nil, fmt.Errorf("%w: bad delete pos: %v", ErrUnknownOperation, err)
		}
		length, err := strconv.Atoi(tokens[*i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad delete len: %v", ErrUnknownOperation, err)
		}
		*i += 2
		return Delete{Pos: pos, Len: length}, nil
	case "M":
		if *i+3 > len(tokens) {
			return nil, fmt.Errorf("%w: truncated move", ErrUnknownOperation)
		}
		user, err := strconv.ParseUint(tokens[*i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad move user: %v", ErrUnknownOperation, err)
		}
		from, err := strconv.Atoi(tokens[*i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad move from: %v", ErrUnknownOperation, err)
		}
		to, err := strconv.Atoi(tokens[*i+2])
		if err != nil {
			return nil, fmt.Errorf("%w: bad move to: %v", ErrUnknownOperation, err)
		}
		*i += 3
		return Move{User: user, From: from, To: to}, nil
	case "N":
		return NoOp{}, nil
	case "S":
		first, err := decodeOp(tokens, i)
		if err != nil {
			return nil, err
		}
		second, err := decodeOp(tokens, i)
		if err != nil {
			return nil, err
		}
		return Split{First: first, Second: second}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, tag)
	}
}

func take3Tokens(tokens []string, i *int) (pos int, author uint64, text string, err error) {
	if *i+3 > len(tokens) {
		return 0, 0, "", fmt.Errorf("%w: truncated insert/reversible-delete", ErrUnknownOperation)
	}
	pos, err = strconv.Atoi(tokens[*i])
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: bad position: %v", ErrUnknownOperation, err)
	}
	author, err = strconv.ParseUint(tokens[*i+1], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: bad author: %v", ErrUnknownOperation, err)
	}
	text, err = strconv.Unquote(tokens[*i+2])
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: bad text literal: %v", ErrUnknownOperation, err)
	}
	*i += 3
	return pos, author, text, nil
}
