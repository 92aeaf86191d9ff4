package lobby

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/jason-s-yu/tictactoe/internal/models"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// CodeLength is the length of a lobby join code.
	CodeLength = 6
)

// GenerateCode returns a random join code of CodeLength uppercase alphanumerics.
func GenerateCode() (string, error) {
	var sb strings.Builder
	sb.Grow(CodeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate lobby code: %w", err)
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeCode uppercases and trims a user supplied code and checks its shape.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return "", fmt.Errorf("%w: join code must be %d characters", models.ErrValidation, CodeLength)
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return "", fmt.Errorf("%w: join code may only contain letters and digits", models.ErrValidation)
		}
	}
	return code, nil
}
