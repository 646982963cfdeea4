package engine

import "strings"

// ButtonCodes maps button names to the numeric codes the engine consumes.
// The table is fixed: A-Z, 0-9, arrows, modifiers and mouse buttons.
var ButtonCodes = buildButtonCodes()

func buildButtonCodes() map[string]int {
	codes := make(map[string]int, 48)
	for c := 'A'; c <= 'Z'; c++ {
		codes[string(c)] = int(c)
	}
	for c := '0'; c <= '9'; c++ {
		codes[string(c)] = int(c)
	}
	codes["UP"] = 0x26
	codes["DOWN"] = 0x28
	codes["LEFT"] = 0x25
	codes["RIGHT"] = 0x27
	codes["SHIFT"] = 0x10
	codes["CTRL"] = 0x11
	codes["SPACE"] = 0x20
	codes["TAB"] = 0x09
	codes["ENTER"] = 0x0D
	codes["MOUSE_LEFT"] = 0x01
	codes["MOUSE_RIGHT"] = 0x02
	codes["MOUSE_MIDDLE"] = 0x04
	return codes
}

// ButtonsFromNames resolves button names to codes. Names are
// case-insensitive; unknown names are silently dropped.
func ButtonsFromNames(names []string) map[int]struct{} {
	buttons := make(map[int]struct{}, len(names))
	for _, name := range names {
		if code, ok := ButtonCodes[strings.ToUpper(name)]; ok {
			buttons[code] = struct{}{}
		}
	}
	return buttons
}
