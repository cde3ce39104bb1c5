package sheet

import (
	"regexp"
	"strings"

	"docbatch/pkg/contract"
)

// fiscalPattern: 意大利税号的字母(L)/数字(N)位型。
const fiscalPattern = "LLLLLLNNLNNLNNNL"

// FiscalCode 校验并修复税号：去空格转大写；字母位上 1→I、0→O，
// 数字位上 I→1、O→0；长度不符或无法修复时返回 ND。
func FiscalCode(s string) string {
	cf := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if len(cf) != len(fiscalPattern) {
		return contract.PlaceholderValue
	}
	out := []byte(cf)
	for i := 0; i < len(out); i++ {
		c := out[i]
		isDigit := c >= '0' && c <= '9'
		if fiscalPattern[i] == 'L' {
			if !isDigit {
				continue
			}
			switch c {
			case '1':
				out[i] = 'I'
			case '0':
				out[i] = 'O'
			default:
				return contract.PlaceholderValue
			}
			continue
		}
		if isDigit {
			continue
		}
		switch c {
		case 'I':
			out[i] = '1'
		case 'O':
			out[i] = '0'
		default:
			return contract.PlaceholderValue
		}
	}
	return string(out)
}

var (
	nonCourseChars = regexp.MustCompile(`[^A-Za-z\x{00C0}-\x{00FF}0-9]+`)
	spaces         = regexp.MustCompile(`\s+`)
)

// CourseName 清洗课程名：非字母数字折叠为单个空格，便于同名课程归并。
func CourseName(s string) string {
	if strings.TrimSpace(s) == "" || s == contract.PlaceholderValue {
		return contract.PlaceholderValue
	}
	s = nonCourseChars.ReplaceAllString(s, " ")
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
	if s == "" {
		return contract.PlaceholderValue
	}
	return s
}
