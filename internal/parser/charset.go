package parser

import (
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// charsetMap 常见字符编码，未列出的交给go-message/charset
var charsetMap = map[string]encoding.Encoding{
	// UTF编码
	"utf-16":   unicode.UTF16(unicode.LittleEndian, unicode.UseBOM),
	"utf-16le": unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf-16be": unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),

	// ASCII兼容
	"ascii":      charmap.Windows1252,
	"us-ascii":   charmap.Windows1252,
	"iso-8859-1": charmap.Windows1252,

	// 中文编码，GB2312邮件实际多为GBK
	"gb2312":  simplifiedchinese.GBK,
	"gbk":     simplifiedchinese.GBK,
	"gb18030": simplifiedchinese.GB18030,
	"big5":    traditionalchinese.Big5,

	// 日文编码
	"shift_jis":   japanese.ShiftJIS,
	"shift-jis":   japanese.ShiftJIS,
	"sjis":        japanese.ShiftJIS,
	"iso-2022-jp": japanese.ISO2022JP,
	"euc-jp":      japanese.EUCJP,

	// 韩文编码
	"euc-kr": korean.EUCKR,

	// KOI8编码
	"koi8-r": charmap.KOI8R,
	"koi8-u": charmap.KOI8U,
}

func init() {
	message.CharsetReader = CharsetReader
}

// CharsetReader 把非UTF-8内容转换为UTF-8
func CharsetReader(label string, input io.Reader) (io.Reader, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	switch label {
	case "", "utf-8", "utf8":
		return input, nil
	}

	if enc, ok := charsetMap[label]; ok {
		return transform.NewReader(input, enc.NewDecoder()), nil
	}
	return charset.Reader(label, input)
}
