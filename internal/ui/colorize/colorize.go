package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// asmLexer picks the first assembly lexer chroma knows.
func asmLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// IsDisabled reports whether TARSIER_NO_COLOR or NO_COLOR is set.
func IsDisabled() bool {
	return os.Getenv("TARSIER_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction highlights one disassembled instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := asmLexer()
	if lexer == nil {
		return insn
	}
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, Style(), iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a guest address in yellow.
func Address(addr uint64) string { return rgb(255, 200, 0, fmt.Sprintf("%08X", addr)) }

// Tag formats hashtags in light pink.
func Tag(tag string) string { return rgb(255, 180, 200, tag) }

// FuncName formats a symbol or selector in yellow.
func FuncName(name string) string { return rgb(255, 200, 0, name) }

func Detail(detail string) string { return rgb(180, 180, 180, detail) }

// Header formats a section header in blue.
func Header(s string) string { return rgb(86, 156, 214, s) }

func Error(s string) string { return rgb(255, 128, 192, s) }

// String formats a decoded guest string in green.
func String(s string) string { return rgb(0, 255, 0, s) }

// Style returns the disassembly style, falling back to chroma's default.
func Style() *chroma.Style {
	if s := styles.Get(StyleName); s != nil {
		return s
	}
	return styles.Fallback
}
