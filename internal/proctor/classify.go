package proctor

import "strings"

// RestrictedCombo reports whether sig is a blocked keyboard shortcut and
// returns a readable name for it, such as "Ctrl+Shift+I".
func RestrictedCombo(sig Signal) (string, bool) {
	key := normalizeKey(sig.Key)
	switch key {
	case "PRINTSCREEN", "F12":
		return comboName(sig, key), true
	}

	if !sig.Ctrl && !sig.Meta {
		return "", false
	}
	if sig.Shift {
		switch key {
		case "I", "J", "C":
			return comboName(sig, key), true
		}
	}
	switch key {
	case "U", "C", "V", "X", "S", "A", "P":
		return comboName(sig, key), true
	}
	return "", false
}

// isClipboardCombo reports whether a restricted combo is a copy, cut or paste.
func isClipboardCombo(sig Signal) bool {
	if sig.Shift {
		return false
	}
	switch normalizeKey(sig.Key) {
	case "C", "V", "X":
		return sig.Ctrl || sig.Meta
	}
	return false
}

func normalizeKey(k string) string {
	k = strings.ToUpper(strings.TrimSpace(k))
	switch k {
	case "PRINT", "PRINT SCREEN", "PRTSC", "SNAPSHOT":
		return "PRINTSCREEN"
	}
	return k
}

func comboName(sig Signal, key string) string {
	var parts []string
	if sig.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if sig.Meta {
		parts = append(parts, "Meta")
	}
	if sig.Alt {
		parts = append(parts, "Alt")
	}
	if sig.Shift {
		parts = append(parts, "Shift")
	}
	if key == "PRINTSCREEN" {
		key = "PrintScreen"
	}
	return strings.Join(append(parts, key), "+")
}
