package httpd

// keySequences maps the closed set of symbolic key names accepted by the
// input endpoint to the escape sequences an xterm-compatible terminal
// would send.
var keySequences = map[string]string{
	"arrow_up":    "\x1b[A",
	"arrow_down":  "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left":  "\x1b[D",
	"enter":       "\r",
	"escape":      "\x1b",
	"tab":         "\t",
	"backspace":   "\x7f",
	"delete":      "\x1b[3~",
	"home":        "\x1b[H",
	"end":         "\x1b[F",
	"page_up":     "\x1b[5~",
	"page_down":   "\x1b[6~",
	"f1":          "\x1bOP",
	"f2":          "\x1bOQ",
	"f3":          "\x1bOR",
	"f4":          "\x1bOS",
	"f5":          "\x1b[15~",
	"f6":          "\x1b[17~",
	"f7":          "\x1b[18~",
	"f8":          "\x1b[19~",
	"f9":          "\x1b[20~",
	"f10":         "\x1b[21~",
	"f11":         "\x1b[23~",
	"f12":         "\x1b[24~",
	"ctrl_enter":  "\n",
	"shift_enter": "\x1b\r",
	"shift_tab":   "\x1b[Z",
}

// keySequence resolves a symbolic key name. Unknown names are a
// validation error, not a passthrough.
func keySequence(name string) (string, bool) {
	seq, ok := keySequences[name]
	return seq, ok
}
