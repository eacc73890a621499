package parser

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// 回复和转发前缀，可重复出现，如 "Re: Fwd: Re[2]: "
var subjectPrefix = regexp.MustCompile(`(?i)^\s*((re|fw|fwd|aw|wg|sv|antw|vs|回复|答复|转发)(\[\d+\])?\s*[:：]\s*)+`)

// CleanSubject 去掉回复转发前缀并做大小写折叠，用于按主题归并会话
func CleanSubject(subject string) string {
	s := subjectPrefix.ReplaceAllString(subject, "")
	s = strings.Join(strings.Fields(s), " ")
	// Caser不能跨goroutine共享
	return cases.Fold().String(s)
}
