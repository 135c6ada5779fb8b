package otp

import (
	"strings"

	"handoff/internal/apperrors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidatePhone checks that phone is an E.164 number with a country code.
func ValidatePhone(phone string) error {
	if err := validate.Var(phone, "required,e164"); err != nil {
		return apperrors.ErrInvalidPhoneFormat
	}
	return nil
}

// MaskPhone replaces every digit except the last four with '*'.
func MaskPhone(phone string) string {
	return maskDigits(phone, 4)
}

// MaskNumbers masks phone-like spans inside free text, such as provider error
// messages that echo the destination number. A span is a run of digits that
// may be broken up by spaces, dashes, dots or brackets; spans with at least
// seven digits keep only their last four.
func MaskNumbers(text string) string {
	runes := []rune(text)
	var b strings.Builder
	for i := 0; i < len(runes); {
		if !isDigit(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		end, digits := i, 0
		for j := i; j < len(runes); j++ {
			if isDigit(runes[j]) {
				digits++
				end = j + 1
				continue
			}
			if !isPhoneSeparator(runes[j]) {
				break
			}
		}
		span := string(runes[i:end])
		if digits >= 7 {
			span = maskDigits(span, 4)
		}
		b.WriteString(span)
		i = end
	}
	return b.String()
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isPhoneSeparator(r rune) bool {
	switch r {
	case ' ', '-', '.', '(', ')':
		return true
	}
	return false
}

func maskDigits(s string, keep int) string {
	digits := 0
	for _, r := range s {
		if isDigit(r) {
			digits++
		}
	}
	out := []rune(s)
	toMask := digits - keep
	for i, r := range out {
		if toMask <= 0 {
			break
		}
		if isDigit(r) {
			out[i] = '*'
			toMask--
		}
	}
	return string(out)
}
