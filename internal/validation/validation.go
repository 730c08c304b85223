package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrQuestionEmpty is returned when the question is empty or whitespace-only after trim.
var ErrQuestionEmpty = errors.New("question is required")

// ErrQuestionTooLong is returned when the trimmed question exceeds the maximum length.
var ErrQuestionTooLong = errors.New("question too long")

// ErrCityEmpty is returned when a city lookup key is empty after trim.
var ErrCityEmpty = errors.New("city is required")

// ErrCityTooLong is returned when a city lookup key exceeds the maximum length.
var ErrCityTooLong = errors.New("city too long")

// ErrCityInvalidChars is returned when a city lookup key contains disallowed characters.
var ErrCityInvalidChars = errors.New("city contains invalid characters")

// ValidateQuestion trims the input and enforces 1..maxLen runes.
// Returns the trimmed question or an error suitable for 400 INVALID_QUESTION responses.
func ValidateQuestion(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	n := len([]rune(s))
	if n == 0 {
		return "", ErrQuestionEmpty
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrQuestionTooLong
	}
	return s, nil
}

// ValidateCity trims a city lookup key, enforces maxLen runes, and restricts it
// to letters (Unicode), digits, space, comma, hyphen, period and apostrophe.
// Case is preserved; lookups are case-insensitive downstream.
func ValidateCity(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrCityEmpty
	}
	if maxLen > 0 && len(r) > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
