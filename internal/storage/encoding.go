package storage

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// Names that archive tools commonly use but the WHATWG index does not list.
var encodingAliases = map[string]string{
	"cp932":   "shift_jis",
	"ms-932":  "shift_jis",
	"sjis":    "shift_jis",
	"cp936":   "gbk",
	"cp949":   "euc-kr",
	"cp950":   "big5",
	"utf8":    "utf-8",
	"cp65001": "utf-8",
}

// LookupEncoding resolves a legacy encoding name such as "cp932", "gbk" or
// "cp437". Lookup is case-insensitive.
func LookupEncoding(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("empty encoding name")
	}
	if alias, ok := encodingAliases[key]; ok {
		key = alias
	}
	if key == "utf-8" {
		return unicode.UTF8, nil
	}
	if enc, err := htmlindex.Get(key); err == nil {
		return enc, nil
	}
	enc, err := ianaindex.IANA.Encoding(key)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	if enc == nil {
		// Known to IANA but not implemented by x/text.
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}
