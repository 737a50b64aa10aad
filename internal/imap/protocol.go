package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command formatters. Pure string builders, no I/O: the Conn adds the
// tag and CRLF framing.

// quote renders an IMAP quoted string, escaping backslashes and quotes.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

func FormatCapability() string { return "CAPABILITY" }
func FormatNoop() string       { return "NOOP" }
func FormatLogout() string     { return "LOGOUT" }
func FormatStartTLS() string   { return "STARTTLS" }
func FormatIdle() string       { return "IDLE" }
func FormatDone() string       { return "DONE" }
func FormatExpunge() string    { return "EXPUNGE" }

func FormatLogin(username, password string) string {
	return fmt.Sprintf("LOGIN %s %s", quote(username), quote(password))
}

// FormatAuthenticate builds AUTHENTICATE with an inline initial
// response (SASL-IR).
func FormatAuthenticate(mechanism, initialResponse string) string {
	if initialResponse == "" {
		return fmt.Sprintf("AUTHENTICATE %s", mechanism)
	}
	return fmt.Sprintf("AUTHENTICATE %s %s", mechanism, initialResponse)
}

func FormatSelect(folder string) string {
	return fmt.Sprintf("SELECT %s", quote(folder))
}

func FormatExamine(folder string) string {
	return fmt.Sprintf("EXAMINE %s", quote(folder))
}

func FormatList(reference, pattern string) string {
	return fmt.Sprintf("LIST %s %s", quote(reference), quote(pattern))
}

func FormatLsub(reference, pattern string) string {
	return fmt.Sprintf("LSUB %s %s", quote(reference), quote(pattern))
}

func FormatStatus(folder string, items []string) string {
	return fmt.Sprintf("STATUS %s (%s)", quote(folder), strings.Join(items, " "))
}

func FormatCreate(folder string) string {
	return fmt.Sprintf("CREATE %s", quote(folder))
}

func FormatDelete(folder string) string {
	return fmt.Sprintf("DELETE %s", quote(folder))
}

func FormatRename(from, to string) string {
	return fmt.Sprintf("RENAME %s %s", quote(from), quote(to))
}

func FormatSubscribe(folder string) string {
	return fmt.Sprintf("SUBSCRIBE %s", quote(folder))
}

func FormatUnsubscribe(folder string) string {
	return fmt.Sprintf("UNSUBSCRIBE %s", quote(folder))
}

func FormatSearch(criteria string) string {
	return fmt.Sprintf("SEARCH %s", criteria)
}

func FormatUIDSearch(criteria string) string {
	return fmt.Sprintf("UID SEARCH %s", criteria)
}

func FormatFetch(set, items string) string {
	return fmt.Sprintf("FETCH %s (%s)", set, items)
}

func FormatUIDFetch(set, items string) string {
	return fmt.Sprintf("UID FETCH %s (%s)", set, items)
}

// FormatStore builds STORE with an action of +FLAGS, -FLAGS, or FLAGS.
func FormatStore(set, action string, flags []string) string {
	return fmt.Sprintf("STORE %s %s (%s)", set, action, strings.Join(flags, " "))
}

func FormatUIDStore(set, action string, flags []string) string {
	return fmt.Sprintf("UID STORE %s %s (%s)", set, action, strings.Join(flags, " "))
}

func FormatCopy(set, folder string) string {
	return fmt.Sprintf("COPY %s %s", set, quote(folder))
}

func FormatUIDCopy(set, folder string) string {
	return fmt.Sprintf("UID COPY %s %s", set, quote(folder))
}

func FormatMove(set, folder string) string {
	return fmt.Sprintf("MOVE %s %s", set, quote(folder))
}

func FormatUIDMove(set, folder string) string {
	return fmt.Sprintf("UID MOVE %s %s", set, quote(folder))
}

// Search criteria builders.

func SearchAll() string { return "ALL" }

// SearchSince constrains results to messages after the cutoff date.
func SearchSince(t time.Time) string {
	return fmt.Sprintf("SINCE %s", t.Format("02-Jan-2006"))
}

// SearchUIDFrom matches UIDs at or above uid.
func SearchUIDFrom(uid uint32) string {
	return fmt.Sprintf("UID %d:*", uid)
}

// SearchModSeq matches messages modified since the given sequence
// (CONDSTORE only).
func SearchModSeq(modseq uint64) string {
	return fmt.Sprintf("MODSEQ %d", modseq)
}

func SearchText(text string) string {
	return fmt.Sprintf("TEXT %s", quote(text))
}

// Fetch item sets used by the sync strategies.
const (
	FetchItemsHeaders = "UID FLAGS ENVELOPE INTERNALDATE RFC822.SIZE"
	FetchItemsFull    = "UID FLAGS ENVELOPE INTERNALDATE RFC822.SIZE BODY.PEEK[]"
)

// UIDSet renders a list of UIDs as a comma-separated set.
func UIDSet(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return strings.Join(parts, ",")
}

// Response parsers. Pure functions from raw reply lines to typed values.

// ParseCapabilities extracts the capability set from a CAPABILITY reply
// or an OK [CAPABILITY ...] greeting line.
func ParseCapabilities(lines []string) map[Capability]bool {
	caps := make(map[Capability]bool)
	for _, line := range lines {
		upper := strings.ToUpper(line)
		idx := strings.Index(upper, "CAPABILITY")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("CAPABILITY"):]
		rest = strings.TrimSuffix(strings.TrimSpace(rest), "]")
		for _, token := range strings.Fields(rest) {
			caps[ParseCapability(token)] = true
		}
	}
	return caps
}

// ParseListResponse parses the untagged lines of a LIST or LSUB reply.
func ParseListResponse(lines []string) ([]Folder, error) {
	var folders []Folder
	for _, line := range lines {
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, "* LIST ") && !strings.HasPrefix(upper, "* LSUB ") {
			continue
		}
		folder, err := parseListLine(line[len("* LIST "):])
		if err != nil {
			return nil, fmt.Errorf("failed to parse list line %q: %w", line, err)
		}
		folders = append(folders, *folder)
	}
	return folders, nil
}

// parseListLine parses `(\Attr ...) "delim" "name"`. The delimiter and
// name may be NIL or unquoted atoms.
func parseListLine(rest string) (*Folder, error) {
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "(") {
		return nil, newError(KindParse, "list reply missing attribute list")
	}
	end := matchParen(rest, 0)
	if end < 0 {
		return nil, newError(KindParse, "unbalanced attribute list")
	}

	folder := &Folder{}
	for _, attr := range strings.Fields(rest[1:end]) {
		folder.Attributes = append(folder.Attributes, trimBackslash(attr))
	}

	rest = strings.TrimSpace(rest[end+1:])
	delim, rest, err := takeString(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse delimiter: %w", err)
	}
	name, _, err := takeString(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse folder name: %w", err)
	}
	if name == "" {
		return nil, newError(KindParse, "list reply missing folder name")
	}
	folder.Delimiter = delim
	folder.Name = name
	return folder, nil
}

// ParseSelectResponse extracts folder counters from the untagged lines
// of a SELECT or EXAMINE reply.
func ParseSelectResponse(folderName string, lines []string) *Folder {
	folder := &Folder{Name: folderName}
	for _, line := range lines {
		upper := strings.ToUpper(line)
		switch {
		case strings.HasSuffix(upper, " EXISTS"):
			folder.Exists = parseCountLine(line)
		case strings.HasSuffix(upper, " RECENT"):
			folder.Recent = parseCountLine(line)
		case strings.Contains(upper, "[UNSEEN "):
			folder.Unseen = uint32(parseBracketValue(line, "UNSEEN"))
		case strings.Contains(upper, "[UIDVALIDITY "):
			folder.UIDValidity = uint32(parseBracketValue(line, "UIDVALIDITY"))
		case strings.Contains(upper, "[UIDNEXT "):
			folder.UIDNext = uint32(parseBracketValue(line, "UIDNEXT"))
		case strings.Contains(upper, "[HIGHESTMODSEQ "):
			folder.HighestModSeq = parseBracketValue(line, "HIGHESTMODSEQ")
		}
	}
	return folder
}

// parseCountLine handles `* 23 EXISTS` style lines.
func parseCountLine(line string) uint32 {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0
	}
	n, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// parseBracketValue extracts N from `... [KEY N] ...`.
func parseBracketValue(line, key string) uint64 {
	upper := strings.ToUpper(line)
	idx := strings.Index(upper, "["+key+" ")
	if idx < 0 {
		return 0
	}
	rest := line[idx+len(key)+2:]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(rest[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseStatusResponse parses `* STATUS "name" (MESSAGES 4 UNSEEN 2 ...)`.
func ParseStatusResponse(lines []string) (*Folder, error) {
	for _, line := range lines {
		if !strings.HasPrefix(strings.ToUpper(line), "* STATUS ") {
			continue
		}
		rest := strings.TrimSpace(line[len("* STATUS "):])
		name, rest, err := takeString(rest)
		if err != nil {
			return nil, fmt.Errorf("failed to parse status folder name: %w", err)
		}
		open := strings.IndexByte(rest, '(')
		if open < 0 {
			return nil, newError(KindParse, "status reply missing item list")
		}
		end := matchParen(rest, open)
		if end < 0 {
			return nil, newError(KindParse, "unbalanced status item list")
		}
		folder := &Folder{Name: name}
		fields := strings.Fields(rest[open+1 : end])
		for i := 0; i+1 < len(fields); i += 2 {
			n, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				continue
			}
			switch strings.ToUpper(fields[i]) {
			case "MESSAGES":
				folder.Exists = uint32(n)
			case "RECENT":
				folder.Recent = uint32(n)
			case "UNSEEN":
				folder.Unseen = uint32(n)
			case "UIDVALIDITY":
				folder.UIDValidity = uint32(n)
			case "UIDNEXT":
				folder.UIDNext = uint32(n)
			case "HIGHESTMODSEQ":
				folder.HighestModSeq = n
			}
		}
		return folder, nil
	}
	return nil, newError(KindParse, "no STATUS line in reply")
}

// ParseSearchResponse collects the numbers from `* SEARCH n1 n2 ...`.
func ParseSearchResponse(lines []string) []uint32 {
	var ids []uint32
	for _, line := range lines {
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, "* SEARCH") {
			continue
		}
		for _, field := range strings.Fields(line[len("* SEARCH"):]) {
			n, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				continue
			}
			ids = append(ids, uint32(n))
		}
	}
	return ids
}

// ParseFetchResponse parses the untagged FETCH lines of a fetch reply.
// Literal payloads must already be joined into their logical line by the
// connection layer (the literal bytes follow the `{n}` marker in place).
func ParseFetchResponse(lines []string) ([]*Message, error) {
	var messages []*Message
	for _, line := range lines {
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, "* ") || !strings.Contains(upper, " FETCH ") {
			continue
		}
		msg, err := parseFetchLine(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fetch reply: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// parseFetchLine parses `* 12 FETCH (UID 457 FLAGS (\Seen) ...)`.
func parseFetchLine(line string) (*Message, error) {
	fields := strings.SplitN(line[2:], " ", 3)
	if len(fields) < 3 {
		return nil, newError(KindParse, "short fetch line")
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, wrapError(KindParse, "bad fetch sequence number", err)
	}

	open := strings.IndexByte(fields[2], '(')
	if open < 0 {
		return nil, newError(KindParse, "fetch reply missing item list")
	}
	items, err := parseSExpr(fields[2][open:])
	if err != nil {
		return nil, err
	}
	if items.kind != nodeList {
		return nil, newError(KindParse, "fetch item list is not a list")
	}

	msg := &Message{SeqNum: uint32(seq)}
	children := items.children
	for i := 0; i+1 < len(children); i += 2 {
		key := strings.ToUpper(children[i].text)
		val := children[i+1]
		switch key {
		case "UID":
			n, err := strconv.ParseUint(val.text, 10, 32)
			if err != nil {
				return nil, wrapError(KindParse, "bad UID", err)
			}
			msg.UID = uint32(n)
		case "FLAGS":
			if val.kind == nodeList {
				for _, f := range val.children {
					msg.Flags = append(msg.Flags, f.text)
				}
			}
		case "INTERNALDATE":
			t, err := time.Parse("02-Jan-2006 15:04:05 -0700", val.text)
			if err == nil {
				msg.InternalDate = t
			}
		case "RFC822.SIZE":
			n, err := strconv.ParseUint(val.text, 10, 32)
			if err == nil {
				msg.Size = uint32(n)
			}
		case "ENVELOPE":
			env, err := envelopeFromNode(val)
			if err != nil {
				return nil, err
			}
			msg.Envelope = env
		case "BODY[]", "RFC822", "BODY.PEEK[]":
			if val.kind == nodeLiteral {
				msg.Body = val.raw
			} else if val.kind == nodeString {
				msg.Body = []byte(val.text)
			}
		}
	}
	return msg, nil
}

// ParseEnvelope parses a standalone envelope s-expression. The input
// must be a balanced, correctly quoted parenthesized structure with
// exactly ten top-level fields.
func ParseEnvelope(raw string) (*Envelope, error) {
	node, err := parseSExpr(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return envelopeFromNode(node)
}

func envelopeFromNode(node *sexprNode) (*Envelope, error) {
	if node.kind == nodeNil {
		return nil, nil
	}
	if node.kind != nodeList {
		return nil, newError(KindParse, "envelope is not a parenthesized list")
	}
	if len(node.children) != 10 {
		return nil, newErrorf(KindParse, "envelope has %d fields, want 10", len(node.children))
	}

	env := &Envelope{
		Date:      node.children[0].stringValue(),
		Subject:   node.children[1].stringValue(),
		InReplyTo: node.children[8].stringValue(),
		MessageID: node.children[9].stringValue(),
	}

	addrFields := []*[]Address{&env.From, &env.Sender, &env.ReplyTo, &env.To, &env.Cc, &env.Bcc}
	for i, dst := range addrFields {
		addrs, err := addressesFromNode(node.children[2+i])
		if err != nil {
			return nil, err
		}
		*dst = addrs
	}
	return env, nil
}

// addressesFromNode parses an envelope address list: NIL, or a list of
// four-field (name route mailbox host) entries. Entries missing mailbox
// or host are dropped as invalid.
func addressesFromNode(node *sexprNode) ([]Address, error) {
	if node.kind == nodeNil {
		return nil, nil
	}
	if node.kind != nodeList {
		return nil, newError(KindParse, "address list is not a list")
	}
	var addrs []Address
	for _, entry := range node.children {
		if entry.kind != nodeList || len(entry.children) != 4 {
			return nil, newError(KindParse, "address entry is not a four-field list")
		}
		addr := Address{
			Name:    entry.children[0].stringValue(),
			Route:   entry.children[1].stringValue(),
			Mailbox: entry.children[2].stringValue(),
			Host:    entry.children[3].stringValue(),
		}
		if addr.Valid() {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

// ParseTaggedResult splits a tagged completion line into its status
// word and trailing text. Returns ok=false when the line is not a
// recognized OK/NO/BAD completion.
func ParseTaggedResult(tag, line string) (status, text string, ok bool) {
	if !strings.HasPrefix(line, tag+" ") {
		return "", "", false
	}
	rest := line[len(tag)+1:]
	fields := strings.SplitN(rest, " ", 2)
	status = strings.ToUpper(fields[0])
	if status != "OK" && status != "NO" && status != "BAD" {
		return "", "", false
	}
	if len(fields) > 1 {
		text = fields[1]
	}
	return status, text, true
}

// s-expression parser shared by the fetch and envelope parsers.
//
// Grammar: atom | quoted string | NIL | ( node* ) | {n}<n raw bytes>.
// Quote state is tracked so parens inside quoted text never count
// toward nesting.

type sexprKind int

const (
	nodeAtom sexprKind = iota
	nodeString
	nodeNil
	nodeList
	nodeLiteral
)

type sexprNode struct {
	kind     sexprKind
	text     string
	raw      []byte
	children []*sexprNode
}

// stringValue renders the node as a string field, with NIL mapping to
// the empty string.
func (n *sexprNode) stringValue() string {
	if n == nil || n.kind == nodeNil {
		return ""
	}
	if n.kind == nodeLiteral {
		return string(n.raw)
	}
	return n.text
}

type sexprParser struct {
	input string
	pos   int
}

// parseSExpr parses one complete node from the front of input and
// requires the whole node to be well formed.
func parseSExpr(input string) (*sexprNode, error) {
	p := &sexprParser{input: input}
	node, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (p *sexprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *sexprParser) parseNode() (*sexprNode, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, newError(KindParse, "unexpected end of input")
	}
	switch p.input[p.pos] {
	case '(':
		return p.parseList()
	case '"':
		return p.parseQuoted()
	case '{':
		return p.parseLiteral()
	default:
		return p.parseAtom()
	}
}

func (p *sexprParser) parseList() (*sexprNode, error) {
	p.pos++ // consume '('
	node := &sexprNode{kind: nodeList}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return nil, newError(KindParse, "unbalanced parenthesized list")
		}
		if p.input[p.pos] == ')' {
			p.pos++
			return node, nil
		}
		child, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, child)
	}
}

func (p *sexprParser) parseQuoted() (*sexprNode, error) {
	p.pos++ // consume opening quote
	var b strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.input) {
				return nil, newError(KindParse, "dangling escape in quoted string")
			}
			b.WriteByte(p.input[p.pos+1])
			p.pos += 2
		case '"':
			p.pos++
			return &sexprNode{kind: nodeString, text: b.String()}, nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return nil, newError(KindParse, "unterminated quoted string")
}

// parseLiteral consumes `{n}` followed directly by n raw bytes, as
// assembled into the logical line by the connection layer.
func (p *sexprParser) parseLiteral() (*sexprNode, error) {
	end := strings.IndexByte(p.input[p.pos:], '}')
	if end < 0 {
		return nil, newError(KindParse, "unterminated literal size")
	}
	size, err := strconv.Atoi(p.input[p.pos+1 : p.pos+end])
	if err != nil || size < 0 {
		return nil, newError(KindParse, "bad literal size")
	}
	start := p.pos + end + 1
	// Literal bytes start on the next logical position; the conn layer
	// strips the CRLF that followed the size marker on the wire.
	if start+size > len(p.input) {
		return nil, newError(KindParse, "literal shorter than declared size")
	}
	p.pos = start + size
	return &sexprNode{kind: nodeLiteral, raw: []byte(p.input[start : start+size])}, nil
}

func (p *sexprParser) parseAtom() (*sexprNode, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '(' || c == ')' {
			break
		}
		p.pos++
	}
	text := p.input[start:p.pos]
	if text == "" {
		return nil, newError(KindParse, "empty atom")
	}
	if strings.EqualFold(text, "NIL") {
		return &sexprNode{kind: nodeNil}, nil
	}
	return &sexprNode{kind: nodeAtom, text: text}, nil
}

// matchParen returns the index of the parenthesis closing the one at
// open, tracking quote and escape state so parens inside quoted text
// are not counted. Returns -1 when unbalanced.
func matchParen(s string, open int) int {
	depth := 0
	inQuote := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch c {
			case '\\':
				i++
			case '"':
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// takeString consumes a quoted string, NIL, or bare atom from the front
// of s and returns the value plus the remainder.
func takeString(s string) (value, rest string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", newError(KindParse, "expected string, got end of input")
	}
	if s[0] == '"' {
		p := &sexprParser{input: s}
		node, err := p.parseQuoted()
		if err != nil {
			return "", "", err
		}
		return node.text, s[p.pos:], nil
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		idx = len(s)
	}
	token := s[:idx]
	if strings.EqualFold(token, "NIL") {
		return "", s[idx:], nil
	}
	return token, s[idx:], nil
}

func toUpper(s string) string { return strings.ToUpper(s) }

func trimBackslash(s string) string { return strings.TrimPrefix(s, `\`) }
