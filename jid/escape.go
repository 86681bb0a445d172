// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"strings"
)

// EscapedChars is a string composed of all the characters that will be
// escaped or unescaped by Escape and Unescape (in no particular order).
const EscapedChars = ` "&'/:<>@\`

var escaper = strings.NewReplacer(
	`\`, `\5c`,
	` `, `\20`,
	`"`, `\22`,
	`&`, `\26`,
	`'`, `\27`,
	`/`, `\2f`,
	`:`, `\3a`,
	`<`, `\3c`,
	`>`, `\3e`,
	`@`, `\40`,
)

// Escape maps escapable runes to their escaped form as defined in XEP-0106:
// JID Escaping. It is used when building a JID localpart from a raw username
// that may contain characters forbidden in localparts.
func Escape(s string) string {
	return escaper.Replace(s)
}

var unescaper = strings.NewReplacer(
	`\20`, ` `,
	`\22`, `"`,
	`\26`, `&`,
	`\27`, `'`,
	`\2f`, `/`,
	`\3a`, `:`,
	`\3c`, `<`,
	`\3e`, `>`,
	`\40`, `@`,
	`\5c`, `\`,
)

// Unescape maps valid escape sequences back to their unescaped form as
// defined in XEP-0106: JID Escaping.
func Unescape(s string) string {
	return unescaper.Replace(s)
}
