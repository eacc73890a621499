package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
)

const (
	// SnippetLength 摘要最大字符数
	SnippetLength = 191

	// 生成摘要时每个正文部分最多读取的字节数
	maxBodyRead = 64 << 10
)

// ParsedMessage 同步所需的邮件头和摘要
type ParsedMessage struct {
	MessageID  string
	InReplyTo  []string
	References []string
	Subject    string
	From       string
	Date       time.Time
	Snippet    string
	SHA256     string
	Size       int

	// 正文解析中遇到的非致命错误
	Errors []error
}

// Parse 解析原始邮件。邮件头无法读取时返回错误，此时结果只有SHA256和Size；
// 正文问题记录在Errors中
func Parse(raw []byte) (*ParsedMessage, error) {
	sum := sha256.Sum256(raw)
	result := &ParsedMessage{
		SHA256: hex.EncodeToString(sum[:]),
		Size:   len(raw),
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return result, fmt.Errorf("failed to read message: %w", err)
	}
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
	defer mr.Close()

	parseHeader(&mr.Header, result)

	var plain, htmlText string
	for plain == "" {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, err)
			if part == nil {
				break
			}
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		switch contentType {
		case "text/plain", "":
			text, err := readLimited(part.Body)
			if err != nil {
				result.Errors = append(result.Errors, err)
			}
			plain = text
		case "text/html":
			if htmlText != "" {
				continue
			}
			text, err := readLimited(part.Body)
			if err != nil {
				result.Errors = append(result.Errors, err)
			}
			htmlText = htmlToText(text)
		}
	}

	if plain != "" {
		result.Snippet = makeSnippet(plain)
	} else {
		result.Snippet = makeSnippet(htmlText)
	}
	return result, nil
}

func parseHeader(h *mail.Header, result *ParsedMessage) {
	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = h.Get("Subject")
		result.Errors = append(result.Errors, err)
	}

	if id, err := h.MessageID(); err == nil {
		result.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
		result.InReplyTo = ids
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		result.References = ids
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		result.From = from[0].String()
	} else {
		result.From = strings.TrimSpace(h.Get("From"))
	}

	if date, err := h.Date(); err == nil {
		result.Date = date
	}
}

func readLimited(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBodyRead))
	if err != nil && !message.IsUnknownCharset(err) {
		return string(data), fmt.Errorf("failed to read body part: %w", err)
	}
	return string(data), nil
}

// htmlToText 提取HTML中的可见文本
func htmlToText(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "script" || tag == "style" || tag == "head" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style" || tag == "head") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func makeSnippet(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= SnippetLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:SnippetLength])
}
