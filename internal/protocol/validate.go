package protocol

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max payload size
	MaxContentChars = 2000 // max character count
)

// ValidateContent checks that message text meets content requirements.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
