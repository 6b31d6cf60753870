// Package command reconstructs and polices the command lines an operator
// types into a relayed shell. Raw stdin bytes are untrustworthy — escape
// sequences and cursor movement can make "rm -rf /" arrive as something
// unrecognizable — so inspection happens on the decoded visible line.
package command

import (
	vte "github.com/danielgatis/go-vte"
)

// Decoded is the result of decoding one typed line.
type Decoded struct {
	// Visible is the string a terminal would render after processing all
	// escape sequences — the string the policy inspects.
	Visible string

	// Obfuscated is true when the raw bytes contained control sequences
	// that alter visible content (cursor movement, backspace, erase).
	Obfuscated bool
}

// Decode renders raw terminal bytes the way a VT100/xterm terminal would
// and returns the resulting visible line. It wraps danielgatis/go-vte,
// which implements the Paul Williams parser state machine.
func Decode(raw []byte) Decoded {
	s := &screenLine{}
	parser := vte.NewParser(s)
	for _, b := range raw {
		parser.Advance(b)
	}
	// The whole buffer is what the terminal renders; the cursor position
	// at Enter does not hide anything to its right.
	return Decoded{Visible: string(s.buf), Obfuscated: s.obfuscated}
}

// screenLine simulates a single terminal line: a rune buffer plus cursor.
// It receives vte parser callbacks and applies them the way a real
// terminal would, so cursor tricks resolve to what the user actually saw.
type screenLine struct {
	buf        []rune
	cursor     int
	obfuscated bool
}

func (s *screenLine) Print(r rune) {
	if r == 0x7f {
		// The vte ground state routes DEL through Print, not Execute.
		s.rubOut()
		return
	}
	if s.cursor < len(s.buf) {
		s.buf[s.cursor] = r
	} else {
		s.buf = append(s.buf, r)
	}
	s.cursor++
}

func (s *screenLine) Execute(b byte) {
	switch b {
	case 0x08, 0x7f: // BS, DEL
		s.rubOut()
	}
}

func (s *screenLine) rubOut() {
	s.obfuscated = true
	if s.cursor > 0 {
		s.cursor--
		s.buf = s.buf[:s.cursor]
	}
}

func (s *screenLine) CsiDispatch(params [][]uint16, _ []byte, _ bool, r rune) {
	first := 0
	if len(params) > 0 && len(params[0]) > 0 {
		first = int(params[0][0])
	}
	n := first
	if n == 0 {
		n = 1
	}

	switch r {
	case 'A', 'B': // cursor up / down
		// Multi-line movement inside a single-line reconstruction: treat
		// as erase-to-end, the common obfuscation pattern.
		s.obfuscated = true
		s.buf = s.buf[:s.cursor]
	case 'C': // cursor forward
		s.obfuscated = true
		if s.cursor+n <= len(s.buf) {
			s.cursor += n
		} else {
			s.cursor = len(s.buf)
		}
	case 'D': // cursor back
		s.obfuscated = true
		if s.cursor-n >= 0 {
			s.cursor -= n
		} else {
			s.cursor = 0
		}
	case 'K': // erase in line
		s.obfuscated = true
		switch first {
		case 0: // cursor to end
			s.buf = s.buf[:s.cursor]
		case 1: // start to cursor
			for i := 0; i < s.cursor && i < len(s.buf); i++ {
				s.buf[i] = ' '
			}
			s.cursor = 0
		case 2: // entire line
			s.buf = s.buf[:0]
			s.cursor = 0
		}
	}
}

func (s *screenLine) EscDispatch(_ []byte, _ bool, _ byte)                  {}
func (s *screenLine) OscDispatch(_ [][]byte, _ bool)                        {}
func (s *screenLine) Hook(_ [][]uint16, _ []byte, _ bool, _ rune)           {}
func (s *screenLine) Put(_ byte)                                            {}
func (s *screenLine) Unhook()                                               {}
