package webhook

import (
	"sort"
	"strconv"
	"strings"
)

// phpSerialize renders a flat string map the way PHP's serialize() renders a
// ksort()ed array of strings. Canonical decimal keys become integer keys.
func phpSerialize(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("a:")
	b.WriteString(strconv.Itoa(len(keys)))
	b.WriteString(":{")
	for _, k := range keys {
		if n, ok := phpIntKey(k); ok {
			b.WriteString("i:")
			b.WriteString(strconv.FormatInt(n, 10))
			b.WriteByte(';')
		} else {
			writePHPString(&b, k)
		}
		writePHPString(&b, fields[k])
	}
	b.WriteByte('}')
	return b.String()
}

func writePHPString(b *strings.Builder, s string) {
	b.WriteString("s:")
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteString(`:"`)
	b.WriteString(s)
	b.WriteString(`";`)
}

func phpIntKey(k string) (int64, bool) {
	n, err := strconv.ParseInt(k, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, strconv.FormatInt(n, 10) == k
}
