package extract

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"docbatch/pkg/contract"
)

// 参考库列识别（表头大小写不敏感，按关键字匹配）。
type refColumns struct {
	code, name, alias, min, max int
}

func detectColumns(header []string) (refColumns, error) {
	c := refColumns{code: -1, name: -1, alias: -1, min: -1, max: -1}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch {
		case strings.Contains(h, "alias") && c.alias < 0:
			c.alias = i
		case (strings.Contains(h, "cod") || h == "id") && c.code < 0:
			c.code = i
		case strings.Contains(h, "min") && c.min < 0:
			c.min = i
		case (strings.Contains(h, "max") || strings.Contains(h, "mass")) && c.max < 0:
			c.max = i
		case (strings.Contains(h, "nome") || strings.Contains(h, "name")) && c.name < 0:
			c.name = i
		}
	}
	if c.code < 0 || c.name < 0 {
		return c, fmt.Errorf("reference: %w: header needs code and name columns, got %v", contract.ErrInvalidInput, header)
	}
	return c, nil
}

// renderReference 将参考库转为逐行文本：CODE --- NAME (alias: A) --- MIN-MAX ore。
// 非 CSV 输入按原样（去除首尾空白）使用。
func renderReference(src string, isCSV bool) (string, error) {
	if !isCSV {
		return strings.TrimSpace(src), nil
	}
	r := csv.NewReader(strings.NewReader(src))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err == io.EOF {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reference csv: %w", err)
	}
	cols, err := detectColumns(header)
	if err != nil {
		return "", err
	}
	var lines []string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reference csv: %w", err)
		}
		code := cell(row, cols.code)
		if code == "" {
			continue
		}
		alias := cell(row, cols.alias)
		if alias == "" {
			alias = contract.PlaceholderValue
		}
		line := fmt.Sprintf("%s --- %s (alias: %s)", code, cell(row, cols.name), alias)
		if lo, hi := cell(row, cols.min), cell(row, cols.max); lo != "" || hi != "" {
			line += fmt.Sprintf(" --- %s-%s ore", orND(lo), orND(hi))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func orND(s string) string {
	if s == "" {
		return contract.PlaceholderValue
	}
	return s
}
