package identity

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const maxUsernameRunes = 64

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func checkUsername(op, raw string) (string, error) {
	u := NormalizeUsername(raw)
	if u == "" {
		return "", invalid(op, "username is required")
	}
	if utf8.RuneCountInString(u) > maxUsernameRunes {
		return "", invalid(op, "username is too long")
	}
	if strings.ContainsAny(u, " \t\r\n") {
		return "", invalid(op, "username must not contain whitespace")
	}
	// All-digit names would be indistinguishable from principal ids in token subjects.
	if strings.IndexFunc(u, func(r rune) bool { return !unicode.IsDigit(r) }) == -1 {
		return "", invalid(op, "username must not be numeric")
	}
	return u, nil
}

func defaultNow(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}

func (in CreateAnonymousInput) normalize(op string) (CreateAnonymousInput, error) {
	u, err := checkUsername(op, in.Username)
	if err != nil {
		return in, err
	}
	in.Username = u
	in.FingerprintHash = strings.TrimSpace(in.FingerprintHash)
	if in.FingerprintHash == "" {
		return in, invalid(op, "fingerprint hash is required")
	}
	in.IP = trimPtr(in.IP)
	in.Now = defaultNow(in.Now)
	return in, nil
}

func (in CreateRegisteredInput) normalize(op string) (CreateRegisteredInput, error) {
	u, err := checkUsername(op, in.Username)
	if err != nil {
		return in, err
	}
	in.Username = u
	in.Email = normalizeEmailPtr(in.Email)
	if strings.TrimSpace(in.PasswordHash) == "" {
		return in, invalid(op, "password hash is required")
	}
	in.IP = trimPtr(in.IP)
	in.Now = defaultNow(in.Now)
	return in, nil
}

func (in RegisterInput) normalize(op string) (RegisterInput, error) {
	u, err := checkUsername(op, in.Username)
	if err != nil {
		return in, err
	}
	in.Username = u
	in.Email = normalizeEmailPtr(in.Email)
	if strings.TrimSpace(in.PasswordHash) == "" {
		return in, invalid(op, "password hash is required")
	}
	in.Now = defaultNow(in.Now)
	return in, nil
}
